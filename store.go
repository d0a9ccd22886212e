package main

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// schemaDDL mirrors Command_create_db_schema_impl's single CREATE-TABLES
// statement: idempotent, run once at startup against the shared handle.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS account (
	address     TEXT PRIMARY KEY,
	balance     REAL NOT NULL DEFAULT 0,
	hashrate    REAL NOT NULL DEFAULT 0,
	shares      INTEGER NOT NULL DEFAULT 0,
	connections INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS ban (
	user       TEXT NOT NULL DEFAULT '',
	address    TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ban_user_address ON ban(user, address);
CREATE TABLE IF NOT EXISTS api_ban (
	ip         TEXT NOT NULL,
	reason     TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_ban_ip ON api_ban(ip);
CREATE TABLE IF NOT EXISTS payment (
	address    TEXT NOT NULL,
	amount     REAL NOT NULL,
	paid_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS round (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	height     INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	closed_at  INTEGER
);
CREATE TABLE IF NOT EXISTS block (
	height      INTEGER NOT NULL,
	hash        TEXT NOT NULL,
	finder      TEXT NOT NULL,
	round_id    INTEGER NOT NULL,
	accepted    INTEGER NOT NULL DEFAULT 0,
	found_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_block_height ON block(height);
CREATE TABLE IF NOT EXISTS pool_config (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	mining_mode       TEXT NOT NULL,
	pool_fee_percent  REAL NOT NULL,
	difficulty_divider INTEGER NOT NULL
);
`

// Store owns the single shared *sql.DB handle (spec §5: "one handle for the
// whole process; the executor is its only writer"). Statements are
// prepared lazily and cached so each command kind pays the prepare cost
// once, the same way the original's Command_*_impl classes prepare their
// statement in their constructor and reuse it for the life of the process.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	stmts map[CommandKind]*sql.Stmt
}

// OpenStore opens (creating if absent) a modernc.org/sqlite database at path
// and applies the schema. path may be ":memory:" for tests.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &CommandStoreError{Command: "open", Err: err}
	}
	// sqlite only tolerates one writer; the bus already serialises writes
	// onto a single goroutine, and the pool is capped at 8 connections for
	// the concurrent readers. Every connection to ":memory:" opens its own
	// empty database, so an in-memory store is held to one connection.
	db.SetMaxOpenConns(8)
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, stmts: make(map[CommandKind]*sql.Stmt)}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, &CommandStoreError{Command: string(CmdCreateSchema), Err: err}
	}
	return s, nil
}

// Close finalizes every cached prepared statement and closes the handle.
func (s *Store) Close() error {
	s.mu.Lock()
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	s.mu.Unlock()
	return s.db.Close()
}

// prepare returns the cached *sql.Stmt for kind, preparing it against query
// on first use.
func (s *Store) prepare(ctx context.Context, kind CommandKind, query string) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.stmts[kind]; ok {
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", kind, err)
	}
	s.stmts[kind] = stmt
	return stmt, nil
}
