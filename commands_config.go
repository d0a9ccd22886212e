package main

import (
	"context"
	"database/sql"
)

// PoolConfigRow is the single persisted config row (mining mode, fee
// percent, difficulty divider), separate from the TOML file config.go loads
// at startup: this is pool-policy state that can be adjusted without a
// restart and must survive one, e.g. via an admin surface.
type PoolConfigRow struct {
	MiningMode        string
	PoolFeePercent    float64
	DifficultyDivider int64
}

// GetConfigCmd fetches the single pool_config row.
type GetConfigCmd struct{}

func (GetConfigCmd) Kind() CommandKind { return CmdGetConfig }
func (GetConfigCmd) validate() error   { return nil }

func (c GetConfigCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		SELECT mining_mode, pool_fee_percent, difficulty_divider FROM pool_config WHERE id = 1`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	var row PoolConfigRow
	switch err := stmt.QueryRowContext(ctx).Scan(&row.MiningMode, &row.PoolFeePercent, &row.DifficultyDivider); {
	case err == sql.ErrNoRows:
		return PoolConfigRow{}, nil
	case err != nil:
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	default:
		return row, nil
	}
}

// CreateConfigCmd seeds the pool_config row on first run.
type CreateConfigCmd struct {
	MiningMode        string
	PoolFeePercent    float64
	DifficultyDivider int64
}

func (CreateConfigCmd) Kind() CommandKind { return CmdCreateConfig }

func (c CreateConfigCmd) validate() error {
	if c.MiningMode == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "mining_mode is required"}
	}
	return nil
}

func (c CreateConfigCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		INSERT INTO pool_config (id, mining_mode, pool_fee_percent, difficulty_divider)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, c.MiningMode, c.PoolFeePercent, c.DifficultyDivider); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}

// UpdateConfigCmd overwrites the pool_config row.
type UpdateConfigCmd struct {
	MiningMode        string
	PoolFeePercent    float64
	DifficultyDivider int64
}

func (UpdateConfigCmd) Kind() CommandKind { return CmdUpdateConfig }

func (c UpdateConfigCmd) validate() error {
	if c.MiningMode == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "mining_mode is required"}
	}
	return nil
}

func (c UpdateConfigCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		UPDATE pool_config SET mining_mode = ?, pool_fee_percent = ?, difficulty_divider = ? WHERE id = 1`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, c.MiningMode, c.PoolFeePercent, c.DifficultyDivider); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}

// CreateSchemaCmd re-applies the schema DDL. OpenStore already runs it once
// at startup; exposing it as a command lets an operator command force a
// schema refresh without restarting the process.
type CreateSchemaCmd struct{}

func (CreateSchemaCmd) Kind() CommandKind { return CmdCreateSchema }
func (CreateSchemaCmd) validate() error   { return nil }

func (c CreateSchemaCmd) execute(ctx context.Context, s *Store) (any, error) {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}
