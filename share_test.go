package main

import (
	"bytes"
	"math/big"
	"testing"
)

func TestValidateShareDeterministic(t *testing.T) {
	useStdlibSHA256()
	block := bytes.Repeat([]byte{0x11}, 64)
	nonce := bytes.Repeat([]byte{0x02}, 8)
	shareTarget := new(big.Int).Lsh(big.NewInt(1), 256)
	networkTarget := new(big.Int) // 0: nothing can be a candidate

	first := validateShare(block, nonce, shareTarget, networkTarget)
	second := validateShare(block, nonce, shareTarget, networkTarget)

	if first.Accepted != second.Accepted || first.IsCandidate != second.IsCandidate || first.Hash != second.Hash {
		t.Fatalf("validateShare not deterministic: %+v vs %+v", first, second)
	}
	if !first.Accepted {
		t.Fatalf("expected accepted share against a maximal target")
	}
	if first.IsCandidate {
		t.Fatalf("expected no candidate against a zero network target")
	}
}

func TestValidateShareRejectsAboveShareTarget(t *testing.T) {
	useStdlibSHA256()
	block := bytes.Repeat([]byte{0xFF}, 64)
	nonce := bytes.Repeat([]byte{0xFF}, 8)
	tiny := big.NewInt(1) // smallest possible target: essentially nothing qualifies

	result := validateShare(block, nonce, tiny, tiny)
	if result.Accepted {
		t.Fatalf("expected reject against a target of 1, got accepted hash=%x", result.Hash)
	}
	if result.RejectedReason == "" {
		t.Fatalf("expected a rejection reason")
	}
}

func TestValidateShareRejectsNilShareTarget(t *testing.T) {
	useStdlibSHA256()
	block := bytes.Repeat([]byte{0x01}, 64)
	nonce := bytes.Repeat([]byte{0x01}, 8)

	result := validateShare(block, nonce, nil, nil)
	if result.Accepted {
		t.Fatalf("expected a nil share target to reject, not accept")
	}
	if result.IsCandidate {
		t.Fatalf("a rejected share must never be a candidate")
	}
	if result.RejectedReason == "" {
		t.Fatalf("expected a rejection reason")
	}
}

func TestValidateShareCandidateRequiresNetworkTarget(t *testing.T) {
	useStdlibSHA256()
	block := bytes.Repeat([]byte{0x01}, 64)
	nonce := bytes.Repeat([]byte{0x01}, 8)
	shareTarget := new(big.Int).Lsh(big.NewInt(1), 256)
	shareTarget.Sub(shareTarget, big.NewInt(1))

	withoutCandidate := validateShare(block, nonce, shareTarget, big.NewInt(0))
	if withoutCandidate.IsCandidate {
		t.Fatalf("expected not a candidate when network target is 0")
	}

	withCandidate := validateShare(block, nonce, shareTarget, shareTarget)
	if !withCandidate.IsCandidate {
		t.Fatalf("expected a candidate when network target equals share target and both are permissive")
	}
}
