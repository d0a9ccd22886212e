package main

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func TestParseBlockTemplateExtractsFields(t *testing.T) {
	var prevHash chainhash.Hash
	copy(prevHash[:], bytesOf(0xAB, chainhash.HashSize))
	difficulty := big.NewInt(0xFEED)

	payload := encodeBlockTemplatePayload(42, prevHash, difficulty, []byte("coinbase-scaffold"))

	tpl, err := parseBlockTemplate(payload)
	if err != nil {
		t.Fatalf("parseBlockTemplate: %v", err)
	}
	if tpl.Height != 42 {
		t.Fatalf("expected height 42, got %d", tpl.Height)
	}
	if tpl.PrevHash != prevHash {
		t.Fatalf("expected prevHash %x, got %x", prevHash, tpl.PrevHash)
	}
	if tpl.Difficulty.Cmp(difficulty) != 0 {
		t.Fatalf("expected difficulty %s, got %s", difficulty, tpl.Difficulty)
	}
	if string(tpl.Bytes) != string(payload) {
		t.Fatalf("expected the raw payload to be preserved verbatim in Bytes")
	}
}

func TestParseBlockTemplateRejectsUndersizedPayload(t *testing.T) {
	_, err := parseBlockTemplate(make([]byte, blockTemplateHeaderLen-1))
	if _, ok := err.(*FramingError); !ok {
		t.Fatalf("expected a *FramingError for an undersized payload, got %v", err)
	}
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
