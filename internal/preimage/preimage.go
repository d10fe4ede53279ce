// Package preimage assembles the byte sequence fed to the hash engine for a
// single nonce attempt. The exact ordering is an external protocol contract
// with the scavenger service's own recomputation — it must never be
// reordered without bumping that protocol in lockstep.
package preimage

import (
	"encoding/hex"

	solsha3 "github.com/miguelmota/go-solidity-sha3"

	"github.com/duskcrew/scavminer/internal/model"
)

// Build concatenates nonce (16 hex chars), the mining address, and the
// challenge's latest_submission and no_pre_mine_hour fields, in that order.
// The pieces are packed with ConcatByteSlices rather than manual append
// calls so the ordering contract reads as a single declarative list.
func Build(nonceHex string, address string, challenge *model.Challenge) ([]byte, error) {
	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, err
	}
	return solsha3.ConcatByteSlices(
		nonceBytes,
		[]byte(address),
		[]byte(challenge.LatestSubmission),
		[]byte(challenge.NoPreMineHour),
	), nil
}

// NonceHex renders a nonce as a fixed-width 16 hex-digit string (64-bit
// nonce space per worker sub-range).
func NonceHex(nonce uint64) string {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(nonce)
		nonce >>= 8
	}
	return hex.EncodeToString(b)
}
