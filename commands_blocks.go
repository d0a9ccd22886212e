package main

import (
	"context"
	"time"
)

// Block is a found-block row, grounded on Command_get_blocks_impl's result
// shape plus the fields SPEC_FULL's D2 journal needs to report acceptance.
type Block struct {
	Height   uint32
	Hash     string
	Finder   string
	RoundID  int64
	Accepted bool
	FoundAt  int64
}

// GetLatestBlocksCmd returns the most recent found blocks, newest first,
// mirroring Command_get_blocks_impl.
type GetLatestBlocksCmd struct {
	Limit int
}

func (GetLatestBlocksCmd) Kind() CommandKind { return CmdGetLatestBlocks }

func (c GetLatestBlocksCmd) validate() error {
	if c.Limit <= 0 {
		return &CommandParamError{Command: string(c.Kind()), Reason: "limit must be positive"}
	}
	return nil
}

func (c GetLatestBlocksCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		SELECT height, hash, finder, round_id, accepted, found_at
		FROM block ORDER BY found_at DESC LIMIT ?`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	rows, err := stmt.QueryContext(ctx, c.Limit)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		var accepted int
		if err := rows.Scan(&b.Height, &b.Hash, &b.Finder, &b.RoundID, &accepted, &b.FoundAt); err != nil {
			return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
		}
		b.Accepted = accepted != 0
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return blocks, nil
}

// RecordBlockCandidateCmd persists a share that crossed the network target,
// before the wallet has confirmed ACCEPT/REJECT (SPEC_FULL §4.4 D2: the
// journal durably records a candidate before it risks being lost to a
// crash between submission and confirmation).
type RecordBlockCandidateCmd struct {
	Height  uint32
	Hash    string
	Finder  string
	RoundID int64
}

func (RecordBlockCandidateCmd) Kind() CommandKind { return CmdRecordBlockCandidate }

func (c RecordBlockCandidateCmd) validate() error {
	if c.Hash == "" || c.Finder == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "hash and finder are required"}
	}
	return nil
}

func (c RecordBlockCandidateCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		INSERT INTO block (height, hash, finder, round_id, accepted, found_at)
		VALUES (?, ?, ?, ?, 0, ?)`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, c.Height, c.Hash, c.Finder, c.RoundID, time.Now().Unix()); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}

// Wallet ACCEPT/REJECT responses update only the journal file
// (block_journal.go); no bus command marks a block row accepted, so
// block.accepted stays 0 as written by RecordBlockCandidateCmd. The journal
// replay on (re)connect resends pending candidates and does not touch the
// store.
