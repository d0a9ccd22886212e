package main

import (
	"math/big"

	stdsha256 "crypto/sha256"

	simdsha256 "github.com/minio/sha256-simd"
)

// hashFunc computes the pure `hash(header) -> digest` function the spec
// treats as an external primitive (§1). Swappable so tests can pin the
// stdlib implementation while production defaults to the SIMD one.
type hashFunc func([]byte) [32]byte

var shareHash hashFunc = simdsha256.Sum256

// useStdlibSHA256 pins the hash implementation to the stdlib for
// environments without the SIMD instruction set the vendored assembly
// expects, or for tests that want a fixed reference implementation.
func useStdlibSHA256() { shareHash = stdsha256.Sum256 }

// ShareResult is the outcome of validating a single (template, nonce) pair.
// Determinism (spec §8): identical inputs always yield an identical result.
type ShareResult struct {
	Accepted       bool
	IsCandidate    bool
	Hash           [32]byte
	RejectedReason string
}

// validateShare implements spec §4.5 SUBMIT_SHARE's ordered checks: valid
// iff hash(block||nonce) <= shareTarget; additionally a block candidate iff
// hash <= networkTarget. A nil shareTarget means no template is available to
// validate against, which rejects, not accepts.
func validateShare(block, nonce []byte, shareTarget, networkTarget *big.Int) ShareResult {
	if shareTarget == nil {
		return ShareResult{Accepted: false, RejectedReason: "no share target available"}
	}

	digest := shareHash(append(append([]byte{}, block...), nonce...))

	hashInt := new(big.Int).SetBytes(reverseBytesCopy(digest[:]))
	if hashInt.Cmp(shareTarget) > 0 {
		return ShareResult{Accepted: false, Hash: digest, RejectedReason: "hash above share target"}
	}

	candidate := networkTarget != nil && hashInt.Cmp(networkTarget) <= 0
	return ShareResult{Accepted: true, IsCandidate: candidate, Hash: digest}
}

// reverseBytesCopy returns a reversed copy of b, used to interpret the
// (single SHA-256) digest as a little-endian block header hash the way
// Bitcoin-family chains do (least-significant byte first).
func reverseBytesCopy(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
