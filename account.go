package main

import (
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Account mirrors the `account` table (spec §6): created on first login,
// updated by the share accountant, debited by payment commands.
type Account struct {
	Address     string
	Balance     float64
	Hashrate    float64
	Shares      int64
	Connections int
}

// ErrInvalidAddress is returned when a login username does not parse as a
// well-formed address for the configured chain, per SPEC_FULL §3 "Account".
var ErrInvalidAddress = errors.New("login is not a well-formed address")

// validateLoginAddress rejects malformed addresses before they ever reach
// the store as a bogus account row. params selects which chain's encoding
// rules apply; a nil params only rejects an empty (or all-whitespace) login
// and accepts anything else, so tests don't need a full chaincfg.Params.
func validateLoginAddress(login string, params *chaincfg.Params) error {
	login = strings.TrimSpace(login)
	if login == "" {
		return ErrInvalidAddress
	}
	if params == nil {
		return nil
	}
	if _, err := btcutil.DecodeAddress(login, params); err != nil {
		return ErrInvalidAddress
	}
	return nil
}
