package main

import (
	"context"
	"strings"
	"time"
)

// AddPaymentCmd records a payout row, independent of the balance debit
// itself (the caller issues an UpdateAccountCmd alongside this one).
type AddPaymentCmd struct {
	Address string
	Amount  float64
}

func (AddPaymentCmd) Kind() CommandKind { return CmdAddPayment }

func (c AddPaymentCmd) validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return &CommandParamError{Command: string(c.Kind()), Reason: "address is required"}
	}
	if c.Amount <= 0 {
		return &CommandParamError{Command: string(c.Kind()), Reason: "amount must be positive"}
	}
	return nil
}

func (c AddPaymentCmd) execute(ctx context.Context, s *Store) (any, error) {
	stmt, err := s.prepare(ctx, c.Kind(), `
		INSERT INTO payment (address, amount, paid_at) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	if _, err := stmt.ExecContext(ctx, c.Address, c.Amount, time.Now().Unix()); err != nil {
		return nil, &CommandStoreError{Command: string(c.Kind()), Err: err, Transient: true}
	}
	return nil, nil
}
