// Package model holds the data types shared across the mining orchestrator:
// the challenge snapshot, addresses, worker stats and the receipt record
// persisted for crash recovery.
package model

import "time"

// ChallengeCode is the lifecycle phase reported by GET /challenge.
type ChallengeCode string

const (
	ChallengeBefore ChallengeCode = "before"
	ChallengeActive ChallengeCode = "active"
	ChallengeAfter  ChallengeCode = "after"
)

// Challenge is an immutable snapshot of the network challenge as of one
// poll. Workers must hold a deep copy for the duration of a batch; use
// Clone rather than sharing a pointer across goroutines.
type Challenge struct {
	ChallengeID       string        `json:"challenge_id"`
	Difficulty        string        `json:"difficulty"` // hex-encoded target
	LatestSubmission  string        `json:"latest_submission"`
	NoPreMine         string        `json:"no_pre_mine"`
	NoPreMineHour     string        `json:"no_pre_mine_hour"`
	StartsAt          time.Time     `json:"starts_at"`
	Code              ChallengeCode `json:"code"`
}

// Clone returns a structurally independent copy. Challenge has no reference
// fields today, but Clone exists so callers never have to remember that —
// the deep-copy contract from spec §3 is a property of the type, not of
// each call site.
func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// MutableFieldsEqual reports whether the fields that may change without a
// challenge_id change (difficulty, latest_submission, no_pre_mine_hour) are
// identical between c and other. Used by the poller to detect
// DifficultyChanged transitions.
func (c *Challenge) MutableFieldsEqual(other *Challenge) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Difficulty == other.Difficulty &&
		c.LatestSubmission == other.LatestSubmission &&
		c.NoPreMineHour == other.NoPreMineHour
}

// Address identifies a wallet-derived address the orchestrator can mine
// for. Index -1 denotes a synthetic developer-fee address.
type Address struct {
	Index      int    `json:"index"`
	Bech32     string `json:"bech32"`
	PublicKey  string `json:"public_key"`
	Registered bool   `json:"registered"`
}

// IsDevFee reports whether this address is the synthetic dev-fee address
// injected into a batch rather than a real wallet address.
func (a Address) IsDevFee() bool { return a.Index == -1 }

// Key returns the address:challenge_id composite key used by
// SubmittingAddresses / AddressSubmissionFailures.
func Key(addr string, challengeID string) string {
	return addr + ":" + challengeID
}

// WorkerStatus is the lifecycle state of a single worker goroutine.
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerMining     WorkerStatus = "mining"
	WorkerSubmitting WorkerStatus = "submitting"
	WorkerCompleted  WorkerStatus = "completed"
)

// WorkerStats is the mutable, periodically-published state of one worker.
type WorkerStats struct {
	WorkerID         int          `json:"worker_id"`
	AddressIndex     int          `json:"address_index"`
	Address          string       `json:"address"`
	HashesComputed   uint64       `json:"hashes_computed"`
	HashRate         float64      `json:"hash_rate"`
	SolutionsFound   uint64       `json:"solutions_found"`
	StartTime        time.Time    `json:"start_time"`
	LastUpdateTime   time.Time    `json:"last_update_time"`
	Status           WorkerStatus `json:"status"`
	CurrentChallenge string       `json:"current_challenge"`
}

// ReceiptEntry is one line of the append-only receipts log.
type ReceiptEntry struct {
	Timestamp      time.Time      `json:"ts"`
	Address        string         `json:"address"`
	AddressIndex   int            `json:"address_index"`
	ChallengeID    string         `json:"challenge_id"`
	Nonce          string         `json:"nonce"`
	Hash           string         `json:"hash"`
	CryptoReceipt  map[string]any `json:"crypto_receipt,omitempty"`
	IsDevFee       bool           `json:"is_dev_fee"`
}

// ErrorEntry is one line of the append-only errors log.
type ErrorEntry struct {
	Timestamp   time.Time `json:"ts"`
	Address     string    `json:"address"`
	ChallengeID string    `json:"challenge_id"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
}
