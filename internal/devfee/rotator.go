// Package devfee implements the developer-fee rotator (spec §4.5): it
// prefetches a pool of 10 third-party addresses, decides when the next
// solution must be mined for one of them, and persists its own state across
// restarts.
package devfee

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/bytedance/sonic"
	sha256simd "github.com/minio/sha256-simd"

	"github.com/duskcrew/scavminer/internal/model"
)

// ErrPoolInvalid classifies a prefetch that did not return exactly 10
// validated addresses. Per spec §7 this disables the rotator for the
// session; it is never fatal to mining.
var ErrPoolInvalid = errors.New("devfee: address pool invalid")

const poolSize = 10

// Address is one developer-fee pool entry.
type Address struct {
	DevAddress      string `json:"devAddress"`
	DevAddressIndex int    `json:"devAddressIndex"`
	Registered      bool   `json:"registered"`
}

// state is the persisted, JSON-serialized shape of the rotator.
type state struct {
	AddressPool           [poolSize]Address `json:"address_pool"`
	PoolFetchedAt         time.Time         `json:"pool_fetched_at"`
	CurrentChallengeID    string            `json:"current_challenge_id"`
	SolutionsThisChallenge int              `json:"solutions_this_challenge"`
	TotalDevFeeSolutions  int               `json:"total_dev_fee_solutions"`
	Enabled               bool              `json:"enabled"`
	ClientID              string            `json:"client_id"`
	Ratio                 int               `json:"ratio"`
}

// Rotator is the stateful developer-fee address scheduler. Safe for
// concurrent use.
type Rotator struct {
	mu        sync.Mutex
	st        state
	cachePath string
	url       string
	hrps      []string
	client    *http.Client
}

// Option configures New.
type Option func(*Rotator)

// WithRatio overrides the default 1-in-17 density.
func WithRatio(ratio int) Option {
	return func(r *Rotator) { r.st.Ratio = ratio }
}

// New loads rotator state from cachePath if present, otherwise starts with
// defaults (ratio 17, enabled, empty pool). clientID is a persistent
// identifier sent with every prefetch request. hrps is the set of valid
// bech32 human-readable prefixes (mainnet/testnet) addresses must carry.
func New(cachePath, url, clientID string, hrps []string, opts ...Option) (*Rotator, error) {
	if clientID == "" {
		clientID = fallbackClientID(cachePath)
	}
	r := &Rotator{
		cachePath: cachePath,
		url:       url,
		hrps:      hrps,
		client:    &http.Client{Timeout: 10 * time.Second},
		st: state{
			Enabled:  true,
			ClientID: clientID,
			Ratio:    17,
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	if data, err := os.ReadFile(cachePath); err == nil {
		var cached state
		if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil {
			cached.ClientID = clientID
			r.st = cached
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("devfee: read cache: %w", err)
	}
	return r, nil
}

// fallbackClientID derives a stable per-install identifier from the
// machine hostname and cache path when no client_id is configured.
func fallbackClientID(cachePath string) string {
	host, _ := os.Hostname()
	sum := sha256simd.Sum256([]byte(host + ":" + cachePath))
	return hex.EncodeToString(sum[:8])
}

// Enabled reports whether the rotator is currently allowed to mine dev-fee
// solutions this session.
func (r *Rotator) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Enabled
}

// SetEnabled overrides the persisted enabled flag, e.g. from
// configuration at startup. Unlike disable, this is not an error path and
// does not clear the address pool.
func (r *Rotator) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.st.Enabled = enabled
	r.mu.Unlock()
	_ = r.persist()
}

// TotalDevFeeSolutions returns the persisted monotone dev-fee solution
// count.
func (r *Rotator) TotalDevFeeSolutions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.TotalDevFeeSolutions
}

type prefetchRequest struct {
	ClientID   string `json:"clientId"`
	ClientType string `json:"clientType"`
}

type prefetchResponse struct {
	Addresses []Address `json:"addresses"`
}

// PrefetchAddressPool issues the single configured HTTP call (spec §6.2) to
// refresh the dev-fee address pool. On any shape drift or validation
// failure it disables the rotator for the session and returns ErrPoolInvalid
// — never a fatal error to the caller.
func (r *Rotator) PrefetchAddressPool(ctx context.Context) error {
	body, err := sonic.Marshal(prefetchRequest{ClientID: r.clientID(), ClientType: "desktop"})
	if err != nil {
		return r.disable(fmt.Errorf("%w: marshal request: %v", ErrPoolInvalid, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return r.disable(fmt.Errorf("%w: build request: %v", ErrPoolInvalid, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return r.disable(fmt.Errorf("%w: request failed: %v", ErrPoolInvalid, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return r.disable(fmt.Errorf("%w: status %d", ErrPoolInvalid, resp.StatusCode))
	}

	var payload prefetchResponse
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return r.disable(fmt.Errorf("%w: decode response: %v", ErrPoolInvalid, err))
	}
	if len(payload.Addresses) != poolSize {
		return r.disable(fmt.Errorf("%w: got %d addresses, want %d", ErrPoolInvalid, len(payload.Addresses), poolSize))
	}
	for _, a := range payload.Addresses {
		if !r.validPrefix(a.DevAddress) {
			return r.disable(fmt.Errorf("%w: address %q has unrecognized prefix", ErrPoolInvalid, a.DevAddress))
		}
	}

	var pool [poolSize]Address
	copy(pool[:], payload.Addresses)

	r.mu.Lock()
	r.st.AddressPool = pool
	r.st.PoolFetchedAt = time.Now()
	r.st.Enabled = true
	r.mu.Unlock()
	return r.persist()
}

func (r *Rotator) validPrefix(addr string) bool {
	hrp, _, err := bech32.Decode(addr)
	if err != nil {
		return false
	}
	for _, want := range r.hrps {
		if hrp == want {
			return true
		}
	}
	return false
}

func (r *Rotator) disable(cause error) error {
	r.mu.Lock()
	r.st.Enabled = false
	r.st.AddressPool = [poolSize]Address{}
	r.mu.Unlock()
	_ = r.persist()
	return cause
}

func (r *Rotator) clientID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.ClientID
}

// ShouldMineDevFeeNow implements the §4.5 cadence rule: enabled, pool
// valid, not already mining a dev-fee address, and among the last `ratio`
// persisted receipts there is no dev-fee entry and at least ratio-1 user
// receipts are present. recentReceipts must be the most recent (up to
// `ratio`) receipts across all addresses, oldest first.
func (r *Rotator) ShouldMineDevFeeNow(recentReceipts []model.ReceiptEntry, currentlyMiningDevFee bool) bool {
	r.mu.Lock()
	enabled, poolValid, ratio := r.st.Enabled, r.poolValidLocked(), r.st.Ratio
	r.mu.Unlock()

	if !enabled || !poolValid || currentlyMiningDevFee {
		return false
	}
	window := recentReceipts
	if len(window) > ratio {
		window = window[len(window)-ratio:]
	}
	userCount := 0
	for _, rcpt := range window {
		if rcpt.IsDevFee {
			return false
		}
		userCount++
	}
	return userCount >= ratio-1
}

func (r *Rotator) poolValidLocked() bool {
	for _, a := range r.st.AddressPool {
		if a.DevAddress == "" {
			return false
		}
	}
	return true
}

// GetDevFeeAddress returns pool[solutions_this_challenge mod 10], resetting
// the per-challenge counter if currentChallengeID differs from the held
// one.
func (r *Rotator) GetDevFeeAddress(currentChallengeID string) (model.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if currentChallengeID != r.st.CurrentChallengeID {
		r.st.CurrentChallengeID = currentChallengeID
		r.st.SolutionsThisChallenge = 0
	}
	if !r.poolValidLocked() {
		return model.Address{}, ErrPoolInvalid
	}
	slot := r.st.AddressPool[r.st.SolutionsThisChallenge%poolSize]
	return model.Address{
		Index:      -1,
		Bech32:     slot.DevAddress,
		Registered: slot.Registered,
	}, nil
}

// RecordDevFeeSolution increments the monotone and per-challenge dev-fee
// counters and persists the cache.
func (r *Rotator) RecordDevFeeSolution() error {
	r.mu.Lock()
	r.st.TotalDevFeeSolutions++
	r.st.SolutionsThisChallenge++
	r.mu.Unlock()
	return r.persist()
}

// SyncWithReceipts overwrites the cached total when it disagrees with the
// receipts log's authoritative count (spec §3's cache/receipt invariant).
func (r *Rotator) SyncWithReceipts(actualCount int) error {
	r.mu.Lock()
	mismatch := r.st.TotalDevFeeSolutions != actualCount
	if mismatch {
		r.st.TotalDevFeeSolutions = actualCount
	}
	r.mu.Unlock()
	if !mismatch {
		return nil
	}
	return r.persist()
}

func (r *Rotator) persist() error {
	r.mu.Lock()
	data, err := json.MarshalIndent(r.st, "", "  ")
	path := r.cachePath
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("devfee: marshal cache: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("devfee: write cache: %w", err)
	}
	return os.Rename(tmp, path)
}
