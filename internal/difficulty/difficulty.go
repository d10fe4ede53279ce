// Package difficulty implements the pure bitwise-domination predicate used
// to decide whether a candidate hash satisfies the current challenge's
// difficulty target.
package difficulty

import (
	"encoding/hex"
	"fmt"
	"math/bits"
)

// Matches reports whether hash is accepted under difficulty: every bit set
// in hash must also be set in difficulty, i.e. hash | difficulty ==
// difficulty. Both slices are treated as fixed-length big-endian byte
// sequences and must be the same length; a length mismatch is a caller bug,
// not a mining outcome, and returns false rather than panicking so a
// malformed target never crashes a worker mid-batch.
func Matches(hash, difficulty []byte) bool {
	if len(hash) != len(difficulty) {
		return false
	}
	for i := range hash {
		if hash[i]|difficulty[i] != difficulty[i] {
			return false
		}
	}
	return true
}

// MatchesHex is Matches for hex-encoded inputs, the shape the hash engine
// and the scavenger service actually exchange.
func MatchesHex(hashHex, difficultyHex string) (bool, error) {
	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		return false, fmt.Errorf("difficulty: decode hash: %w", err)
	}
	target, err := hex.DecodeString(difficultyHex)
	if err != nil {
		return false, fmt.Errorf("difficulty: decode target: %w", err)
	}
	return Matches(hash, target), nil
}

// ZeroBitPrefix reports the number of leading zero bits in difficulty, for
// logging only — it has no bearing on acceptance.
func ZeroBitPrefix(difficulty []byte) int {
	count := 0
	for _, b := range difficulty {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}
