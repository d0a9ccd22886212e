package main

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// BlockTemplate is an opaque byte sequence handed down by the wallet, with a
// handful of fields extracted for the pool manager's own bookkeeping (spec
// §3 "Block template"). The template bytes themselves are never interpreted
// beyond what is needed to extract these fields and are treated as
// immutable once received.
type BlockTemplate struct {
	Height     uint32
	Difficulty *big.Int // network target; a share meeting this is a block candidate
	PrevHash   chainhash.Hash
	Bytes      []byte // opaque, forwarded to miners verbatim
}

// blockTemplateHeaderLen is the fixed prefix parseBlockTemplate expects at
// the front of a BLOCK_DATA payload: a 4-byte big-endian height, a 32-byte
// previous-hash, and a 32-byte big-endian network target. Anything past
// this prefix is opaque block data, forwarded to miners untouched.
const blockTemplateHeaderLen = 4 + chainhash.HashSize + 32

// parseBlockTemplate extracts height, previous-hash and network target from
// a wallet BLOCK_DATA payload, reusing the big-endian fixed-width convention
// packet.go already uses for BLOCK_HEIGHT. Height is an extracted field, not
// a value stamped by the caller, so SetBlock's freshness check (I4) actually
// has something to compare against.
func parseBlockTemplate(payload []byte) (BlockTemplate, error) {
	if len(payload) < blockTemplateHeaderLen {
		return BlockTemplate{}, &FramingError{Reason: fmt.Sprintf("block template payload must be at least %d bytes, got %d", blockTemplateHeaderLen, len(payload))}
	}

	height := binary.BigEndian.Uint32(payload[0:4])

	var prevHash chainhash.Hash
	copy(prevHash[:], payload[4:4+chainhash.HashSize])

	difficultyOff := 4 + chainhash.HashSize
	difficulty := new(big.Int).SetBytes(payload[difficultyOff:blockTemplateHeaderLen])

	return BlockTemplate{
		Height:     height,
		Difficulty: difficulty,
		PrevHash:   prevHash,
		Bytes:      append([]byte(nil), payload...),
	}, nil
}

// SameChainTip reports whether two templates extend the same previous
// block. Nothing in the package calls it at present.
func (t BlockTemplate) SameChainTip(other BlockTemplate) bool {
	return t.PrevHash == other.PrevHash
}

// Generation names a template generation counter. No code keeps or bumps
// one: PoolManager tracks only the current height and template, and
// in-flight miner get-block requests are invalidated by
// WalletLink.cancelPendingMinerRequests (StaleGeneration), not by a counter.
type Generation uint64
