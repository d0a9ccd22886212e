package main

import (
	"context"
	"database/sql"
	"time"
)

// Round is a payout round row: opens when a round starts, closes when its
// block is confirmed and shares are paid out.
type Round struct {
	ID       int64
	Height   uint32
	StartedAt int64
	ClosedAt  sql.NullInt64
}

// GetLatestRoundCmd returns the most recently opened round, used to decide
// whether a new round needs to be created when the pool manager advances
// height.
type GetLatestRoundCmd struct{}

func (GetLatestRoundCmd) Kind() CommandKind { return CmdGetLatestRound }
func (GetLatestRoundCmd) validate() error   { return nil }

func (c GetLatestRoundCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		SELECT id, height, started_at, closed_at FROM round ORDER BY id DESC LIMIT 1`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	var r Round
	switch err := stmt.QueryRowContext(ctx).Scan(&r.ID, &r.Height, &r.StartedAt, &r.ClosedAt); {
	case err == sql.ErrNoRows:
		return Round{}, nil
	case err != nil:
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	default:
		return r, nil
	}
}

// GetRoundCmd returns a single round by id, e.g. to confirm a CloseRoundCmd
// took effect.
type GetRoundCmd struct {
	ID int64
}

func (GetRoundCmd) Kind() CommandKind { return CmdGetRound }
func (GetRoundCmd) validate() error   { return nil }

func (c GetRoundCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		SELECT id, height, started_at, closed_at FROM round WHERE id = ?`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	var r Round
	switch err := stmt.QueryRowContext(ctx, c.ID).Scan(&r.ID, &r.Height, &r.StartedAt, &r.ClosedAt); {
	case err == sql.ErrNoRows:
		return Round{}, nil
	case err != nil:
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	default:
		return r, nil
	}
}

// CreateRoundCmd opens a new round at the given height.
type CreateRoundCmd struct {
	Height uint32
}

func (CreateRoundCmd) Kind() CommandKind { return CmdCreateRound }
func (CreateRoundCmd) validate() error   { return nil }

func (c CreateRoundCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		INSERT INTO round (height, started_at, closed_at) VALUES (?, ?, NULL)`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	res, err := stmt.ExecContext(ctx, c.Height, time.Now().Unix())
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return id, nil
}

// CloseRoundCmd marks a round paid out: closed_at is set once, on the round
// that just found and had a block accepted upstream.
type CloseRoundCmd struct {
	ID int64
}

func (CloseRoundCmd) Kind() CommandKind { return CmdCloseRound }
func (CloseRoundCmd) validate() error   { return nil }

func (c CloseRoundCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		UPDATE round SET closed_at = ? WHERE id = ? AND closed_at IS NULL`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, time.Now().Unix(), c.ID); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}
