package main

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// IsUserAndAddressBannedCmd checks the ban table for an active ban matching
// either the login user or the wallet address, mirroring
// Command_banned_user_and_ip_impl's combined lookup.
type IsUserAndAddressBannedCmd struct {
	User    string
	Address string
}

func (IsUserAndAddressBannedCmd) Kind() CommandKind { return CmdIsUserAndAddressBanned }

func (c IsUserAndAddressBannedCmd) validate() error {
	if strings.TrimSpace(c.User) == "" && strings.TrimSpace(c.Address) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "at least one of user, address is required"}
	}
	return nil
}

// BanLookupResult reports whether a ban matched and why.
type BanLookupResult struct {
	Banned    bool
	Reason    string
	ExpiresAt int64
}

func (c IsUserAndAddressBannedCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		SELECT reason, expires_at FROM ban
		WHERE (user = ? OR address = ?) AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	row := stmt.QueryRowContext(ctx, c.User, c.Address, time.Now().Unix())
	var reason string
	var expiresAt int64
	switch err := row.Scan(&reason, &expiresAt); {
	case err == sql.ErrNoRows:
		return BanLookupResult{}, nil
	case err != nil:
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	default:
		return BanLookupResult{Banned: true, Reason: reason, ExpiresAt: expiresAt}, nil
	}
}

// IsAddressBannedCmd checks the api_ban table, keyed purely by remote IP,
// mirroring Command_banned_api_ip_impl.
type IsAddressBannedCmd struct {
	IP string
}

func (IsAddressBannedCmd) Kind() CommandKind { return CmdIsAddressBanned }

func (c IsAddressBannedCmd) validate() error {
	if strings.TrimSpace(c.IP) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "ip is required"}
	}
	return nil
}

func (c IsAddressBannedCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		SELECT reason, expires_at FROM api_ban
		WHERE ip = ? AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	row := stmt.QueryRowContext(ctx, c.IP, time.Now().Unix())
	var reason string
	var expiresAt int64
	switch err := row.Scan(&reason, &expiresAt); {
	case err == sql.ErrNoRows:
		return BanLookupResult{}, nil
	case err != nil:
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	default:
		return BanLookupResult{Banned: true, Reason: reason, ExpiresAt: expiresAt}, nil
	}
}

// CreateBanCmd records a ban keyed by (user, address), e.g. after repeated
// invalid submissions from a login (SPEC_FULL §4.3/§4.5).
type CreateBanCmd struct {
	User      string
	Address   string
	Reason    string
	ExpiresAt int64
}

func (CreateBanCmd) Kind() CommandKind { return CmdCreateBan }

func (c CreateBanCmd) validate() error {
	if strings.TrimSpace(c.User) == "" && strings.TrimSpace(c.Address) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "at least one of user, address is required"}
	}
	if c.ExpiresAt <= 0 {
		return &CommandParamError{Command: string(c.Kind()), Reason: "expires_at must be in the future"}
	}
	return nil
}

func (c CreateBanCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		INSERT INTO ban (user, address, reason, expires_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, c.User, c.Address, c.Reason, c.ExpiresAt); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}

// CreateAPIBanCmd records an IP-level ban, e.g. after a reconnect-storm
// guard trips (SPEC_FULL §4.3).
type CreateAPIBanCmd struct {
	IP        string
	Reason    string
	ExpiresAt int64
}

func (CreateAPIBanCmd) Kind() CommandKind { return CmdCreateAPIBan }

func (c CreateAPIBanCmd) validate() error {
	if strings.TrimSpace(c.IP) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "ip is required"}
	}
	if c.ExpiresAt <= 0 {
		return &CommandParamError{Command: string(c.Kind()), Reason: "expires_at must be in the future"}
	}
	return nil
}

func (c CreateAPIBanCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		INSERT INTO api_ban (ip, reason, expires_at) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, c.IP, c.Reason, c.ExpiresAt); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}
