package main

import (
	"context"
	"database/sql"
	"strings"
)

// AccountExistsCmd mirrors Command_account_exists_impl: a cheap existence
// probe used before deciding whether LOGIN should create a new account row.
type AccountExistsCmd struct {
	Address string
}

func (AccountExistsCmd) Kind() CommandKind { return CmdAccountExists }

func (c AccountExistsCmd) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "address is required"}
	}
	return nil
}

func (c AccountExistsCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `SELECT 1 FROM account WHERE address = ?`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	var one int
	switch err := stmt.QueryRowContext(ctx, c.Address).Scan(&one); {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	default:
		return true, nil
	}
}

// GetAccountCmd fetches the full account row (balance, hashrate, shares,
// connections); only the tests submit it at present.
type GetAccountCmd struct {
	Address string
}

func (GetAccountCmd) Kind() CommandKind { return CmdGetAccount }

func (c GetAccountCmd) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "address is required"}
	}
	return nil
}

func (c GetAccountCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		SELECT address, balance, hashrate, shares, connections FROM account WHERE address = ?`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	var a Account
	switch err := stmt.QueryRowContext(ctx, c.Address).Scan(&a.Address, &a.Balance, &a.Hashrate, &a.Shares, &a.Connections); {
	case err == sql.ErrNoRows:
		return Account{}, nil
	case err != nil:
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	default:
		return a, nil
	}
}

// CreateAccountCmd inserts a fresh account row on first-ever login.
type CreateAccountCmd struct {
	Address string
}

func (CreateAccountCmd) Kind() CommandKind { return CmdCreateAccount }

func (c CreateAccountCmd) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "address is required"}
	}
	return nil
}

func (c CreateAccountCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		INSERT INTO account (address, balance, hashrate, shares, connections)
		VALUES (?, 0, 0, 0, 0)
		ON CONFLICT(address) DO NOTHING`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, c.Address); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}

// UpdateAccountCmd overwrites balance, hashrate and connection count,
// typically driven by the payment and share accountant loops.
type UpdateAccountCmd struct {
	Address     string
	Balance     float64
	Hashrate    float64
	Connections int
}

func (UpdateAccountCmd) Kind() CommandKind { return CmdUpdateAccount }

func (c UpdateAccountCmd) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "address is required"}
	}
	return nil
}

func (c UpdateAccountCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		UPDATE account SET balance = ?, hashrate = ?, connections = ? WHERE address = ?`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, c.Balance, c.Hashrate, c.Connections, c.Address); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}

// IncrementShareCmd bumps an account's accepted-share counter by one. Split
// out from UpdateAccountCmd so the hot SUBMIT_SHARE path never needs to
// read-modify-write the whole account row.
type IncrementShareCmd struct {
	Address string
}

func (IncrementShareCmd) Kind() CommandKind { return CmdIncrementShare }

func (c IncrementShareCmd) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "address is required"}
	}
	return nil
}

func (c IncrementShareCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `UPDATE account SET shares = shares + 1 WHERE address = ?`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, c.Address); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}
