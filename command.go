package main

import "context"

// CommandKind names one of the persistence bus's public commands (spec
// §4.2). Kept as a string enum rather than an int so log lines and error
// messages never need a lookup table.
type CommandKind string

const (
	CmdIsUserAndAddressBanned CommandKind = "is_user_and_address_banned"
	CmdIsAddressBanned        CommandKind = "is_address_banned"
	CmdAccountExists          CommandKind = "account_exists"
	CmdGetAccount             CommandKind = "get_account"
	CmdCreateAccount          CommandKind = "create_account"
	CmdUpdateAccount          CommandKind = "update_account"
	CmdIncrementShare         CommandKind = "increment_share"
	CmdAddPayment             CommandKind = "add_payment"
	CmdGetLatestBlocks        CommandKind = "get_latest_blocks"
	CmdRecordBlockCandidate   CommandKind = "record_block_candidate"
	CmdGetLatestRound         CommandKind = "get_latest_round"
	CmdGetRound               CommandKind = "get_round"
	CmdCreateRound            CommandKind = "create_round"
	CmdCloseRound             CommandKind = "close_round"
	CmdGetConfig              CommandKind = "get_config"
	CmdCreateConfig           CommandKind = "create_config"
	CmdUpdateConfig           CommandKind = "update_config"
	CmdCreateBan              CommandKind = "create_ban"
	CmdCreateAPIBan           CommandKind = "create_api_ban"
	CmdCreateSchema           CommandKind = "create_schema"
)

// readOnly reports whether a command kind only reads the store. Read-only
// commands run on the bus's bounded reader pool; everything else is
// serialised through the single-writer channel (spec §4.2: "one writer,
// many readers is acceptable provided the store supports MVCC").
func (k CommandKind) readOnly() bool {
	switch k {
	case CmdIsUserAndAddressBanned, CmdIsAddressBanned, CmdAccountExists,
		CmdGetAccount, CmdGetLatestBlocks, CmdGetLatestRound, CmdGetRound, CmdGetConfig:
		return true
	default:
		return false
	}
}

// Command is the tagged variant spec §9 calls for: a fixed, closed set of
// concrete parameter structs, each of which validates its own arguments and
// knows how to execute itself against the shared store. The bus dispatches
// purely on Kind(); it never needs reflection over the concrete Go type.
type Command interface {
	Kind() CommandKind
	validate() error
	execute(ctx context.Context, s *Store) (any, error)
}
