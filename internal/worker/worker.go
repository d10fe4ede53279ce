// Package worker implements one mining worker's batch loop (spec §4.7):
// materialize a batch of nonces for its assigned address, hash them, check
// difficulty, and arbitrate submission with its siblings through the
// Coordinator the orchestrator provides.
package worker

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/duskcrew/scavminer/internal/difficulty"
	"github.com/duskcrew/scavminer/internal/hashengine"
	"github.com/duskcrew/scavminer/internal/model"
	"github.com/duskcrew/scavminer/internal/preimage"
	"github.com/duskcrew/scavminer/internal/scavclient"
	"github.com/duskcrew/scavminer/internal/stats"
)

// rateSampleWindow is how many of the worker's own per-batch samples Run
// averages into the published hash_rate, the same smoothing the teacher's hardware
// driver applies to its raw per-second nonce counters.
const rateSampleWindow = 10

// NonceRangeWidth is the width of each worker's disjoint nonce sub-range.
const NonceRangeWidth = 1_000_000_000

// DefaultBatchSize is BATCH_SIZE from spec §4.7.
const DefaultBatchSize = 300

// DefaultMaxSubmissionFailures is MAX_SUBMISSION_FAILURES from spec §4.7.
const DefaultMaxSubmissionFailures = 1

// Coordinator is the subset of orchestrator-owned shared state a worker
// needs. The orchestrator's concrete shared state satisfies this
// structurally — worker never imports orchestrator.
type Coordinator interface {
	IsSolved(address, challengeID string) bool
	IsStopped(workerID int) bool
	StopSiblings(address string, exceptWorkerID int)
	TryAcquireSubmission(key string) bool
	ReleaseSubmission(key string)
	IsPaused(key string) bool
	PauseSubmission(key string)
	UnpauseSubmission(key string)
	FailureCount(key string) int
	IncrementFailure(key string) int
	ClearFailure(key string)
	MarkSolved(address, challengeID string)
	HashSubmitted(hash string) bool
	MarkHashSubmitted(hash string)
	UnmarkHashSubmitted(hash string)
	ClearStopped()
	// CurrentChallenge returns the orchestrator's live challenge pointer —
	// used only to detect a challenge_id change mid-batch, never mutated.
	CurrentChallenge() *model.Challenge
	PublishStats(model.WorkerStats)
	Emit(Event)
	RecordDevFeeSolution()
	AppendReceipt(model.ReceiptEntry) error
	AppendError(model.ErrorEntry) error
}

// Config carries the tunables a worker needs beyond its assignment.
type Config struct {
	BatchSize             int
	MaxSubmissionFailures int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxSubmissionFailures <= 0 {
		c.MaxSubmissionFailures = DefaultMaxSubmissionFailures
	}
	return c
}

// Worker mines a single disjoint nonce sub-range against one address.
type Worker struct {
	ID           int
	Address      model.Address
	NonceStart   uint64
	NonceEnd     uint64
	currentNonce uint64

	cfg    Config
	coord  Coordinator
	engine hashengine.Engine
	scav   *scavclient.Client
	logger *zap.Logger
	rate   stats.HashRate
}

// New constructs a worker for workerID assigned to addr, with the
// canonical [workerID*10^9, (workerID+1)*10^9) nonce range.
func New(workerID int, addr model.Address, cfg Config, coord Coordinator, engine hashengine.Engine, scav *scavclient.Client, logger *zap.Logger) *Worker {
	start := uint64(workerID) * NonceRangeWidth
	return &Worker{
		ID:           workerID,
		Address:      addr,
		NonceStart:   start,
		NonceEnd:     start + NonceRangeWidth,
		currentNonce: start,
		cfg:          cfg.withDefaults(),
		coord:        coord,
		engine:       engine,
		scav:         scav,
		logger:       logger,
	}
}

// Snapshot returns a deep, independent copy of challenge, the frozen value
// a worker holds for the duration of one Run call (spec §4.7: "Workers
// must hold a deep-copied snapshot"). Uses the same copier.Copy pattern the
// teacher uses to snapshot mining work before handing it to hardware.
func Snapshot(challenge *model.Challenge) (*model.Challenge, error) {
	var dst model.Challenge
	if err := copier.Copy(&dst, challenge); err != nil {
		return nil, fmt.Errorf("worker: snapshot challenge: %w", err)
	}
	return &dst, nil
}

// Run drives the worker loop (one batch per iteration) against snapshot
// until the nonce range is exhausted, the challenge changes, or the
// coordinator asks it to stop. snapshot must be a frozen copy (see
// Snapshot) — the caller owns its lifetime, not the orchestrator's live
// pointer.
func (w *Worker) Run(ctx context.Context, snapshot *model.Challenge) {
	stats := model.WorkerStats{
		WorkerID:         w.ID,
		AddressIndex:     w.Address.Index,
		Address:          w.Address.Bech32,
		StartTime:        time.Now(),
		Status:           model.WorkerMining,
		CurrentChallenge: snapshot.ChallengeID,
	}
	w.coord.Emit(Event{Kind: EventWorkerStarted, WorkerID: w.ID, Address: w.Address.Bech32, ChallengeID: snapshot.ChallengeID})

	for {
		if ctx.Err() != nil {
			return
		}
		if w.coord.IsSolved(w.Address.Bech32, snapshot.ChallengeID) {
			w.finish(&stats)
			return
		}
		if w.coord.IsStopped(w.ID) {
			w.finish(&stats)
			return
		}
		key := model.Key(w.Address.Bech32, snapshot.ChallengeID)
		if w.coord.FailureCount(key) >= w.cfg.MaxSubmissionFailures {
			w.finish(&stats)
			return
		}
		if w.coord.IsPaused(key) {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if w.currentNonce >= w.NonceEnd {
			w.finish(&stats)
			return
		}

		nonces, preimages, err := w.buildBatch(snapshot)
		if err != nil {
			w.logger.Error("build batch", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		batchStart := time.Now()
		hashes, err := w.engine.HashBatch(ctx, preimages)
		if err != nil {
			if errors.Is(err, hashengine.ErrBackendBusy) {
				time.Sleep(hashengine.BackendBusyBackoff)
			} else {
				w.logger.Warn("hash batch error", zap.Error(err))
				time.Sleep(time.Second)
			}
			continue
		}
		if elapsed := time.Since(batchStart).Seconds(); elapsed > 0 {
			w.rate.Add(float64(len(hashes)) / elapsed)
		}

		stats.HashesComputed += uint64(len(hashes))
		stats.HashRate = w.rate.RecentNSum(rateSampleWindow) / rateSampleWindow
		stats.LastUpdateTime = time.Now()
		w.coord.Emit(Event{Kind: EventBatchCompleted, WorkerID: w.ID, Address: w.Address.Bech32, ChallengeID: snapshot.ChallengeID})
		w.publish(&stats)

		// The live challenge may have moved on while this batch was
		// hashing; discard rather than submit stale work.
		if live := w.coord.CurrentChallenge(); live == nil || live.ChallengeID != snapshot.ChallengeID {
			return
		}

		if w.scanAndSubmit(ctx, snapshot, nonces, hashes, &stats) {
			return
		}
	}
}

func (w *Worker) finish(stats *model.WorkerStats) {
	stats.Status = model.WorkerCompleted
	w.publish(stats)
}

func (w *Worker) buildBatch(snapshot *model.Challenge) ([]string, [][]byte, error) {
	n := w.cfg.BatchSize
	if remaining := w.NonceEnd - w.currentNonce; remaining < uint64(n) {
		n = int(remaining)
	}
	nonces := make([]string, 0, n)
	preimages := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		nonceHex := preimage.NonceHex(w.currentNonce)
		w.currentNonce++
		pre, err := preimage.Build(nonceHex, w.Address.Bech32, snapshot)
		if err != nil {
			return nil, nil, fmt.Errorf("worker %d: build preimage: %w", w.ID, err)
		}
		nonces = append(nonces, nonceHex)
		preimages = append(preimages, pre)
	}
	return nonces, preimages, nil
}

// scanAndSubmit walks results in order, submits the first acceptable and
// arbitrable hash, and reports whether the worker should exit (true on
// either success, a benign duplicate, or on losing the arbitration race to
// a sibling).
func (w *Worker) scanAndSubmit(ctx context.Context, snapshot *model.Challenge, nonces []string, hashes [][]byte, stats *model.WorkerStats) bool {
	targetBytes, err := hex.DecodeString(snapshot.Difficulty)
	if err != nil {
		w.logger.Error("decode difficulty", zap.Error(err))
		return false
	}

	for i, hash := range hashes {
		if !difficulty.Matches(hash, targetBytes) {
			continue
		}
		hashHex := hex.EncodeToString(hash)
		if w.coord.HashSubmitted(hashHex) {
			continue
		}

		key := model.Key(w.Address.Bech32, snapshot.ChallengeID)
		if !w.coord.TryAcquireSubmission(key) {
			// A sibling already owns this (address, challenge) submission.
			return true
		}

		w.coord.StopSiblings(w.Address.Bech32, w.ID)
		w.coord.PauseSubmission(key)
		w.coord.MarkHashSubmitted(hashHex)
		stats.Status = model.WorkerSubmitting
		w.publish(stats)

		done := w.validateAndSubmit(ctx, snapshot, nonces[i], hashHex, key, stats)

		w.coord.UnpauseSubmission(key)
		w.coord.ReleaseSubmission(key)

		if done {
			return true
		}
		// Submission was discarded or failed-but-retryable; resume mining.
		stats.Status = model.WorkerMining
	}
	return false
}

// validateAndSubmit re-validates against the live challenge snapshot
// (§4.7's pre-submission validation — the difficulty may have increased),
// then submits. Returns true if the worker should stop mining this
// (address, challenge) pair.
func (w *Worker) validateAndSubmit(ctx context.Context, frozen *model.Challenge, nonceHex, hashHex, key string, stats *model.WorkerStats) bool {
	live := w.coord.CurrentChallenge()
	if live != nil && !live.MutableFieldsEqual(frozen) {
		ok, err := w.revalidate(live, nonceHex)
		if err != nil || !ok {
			// Difficulty increased (or the recomputation no longer
			// matches): discard silently, not a submission failure.
			w.coord.UnmarkHashSubmitted(hashHex)
			return false
		}
	}

	result, err := w.doSubmit(ctx, frozen.ChallengeID, nonceHex, false)
	if err != nil {
		return w.handleSubmitError(err, frozen.ChallengeID, key, hashHex)
	}

	stats.SolutionsFound++
	if w.Address.IsDevFee() {
		w.coord.RecordDevFeeSolution()
	}
	w.coord.MarkSolved(w.Address.Bech32, frozen.ChallengeID)
	w.coord.ClearFailure(key)
	if err := w.coord.AppendReceipt(model.ReceiptEntry{
		Timestamp:     time.Now(),
		Address:       w.Address.Bech32,
		AddressIndex:  w.Address.Index,
		ChallengeID:   frozen.ChallengeID,
		Nonce:         nonceHex,
		Hash:          hashHex,
		CryptoReceipt: result.CryptoReceipt,
		IsDevFee:      w.Address.IsDevFee(),
	}); err != nil {
		w.logger.Error("append receipt", zap.Error(err))
	}
	w.coord.Emit(Event{Kind: EventSolutionSubmitted, WorkerID: w.ID, Address: w.Address.Bech32, ChallengeID: frozen.ChallengeID, Hash: hashHex})
	return true
}

// revalidate recomputes the hash against the live snapshot and re-checks
// difficulty, since latest_submission/no_pre_mine_hour or the difficulty
// itself may have changed since the batch was hashed.
func (w *Worker) revalidate(live *model.Challenge, nonceHex string) (bool, error) {
	pre, err := preimage.Build(nonceHex, w.Address.Bech32, live)
	if err != nil {
		return false, err
	}
	hashes, err := w.engine.HashBatch(context.Background(), [][]byte{pre})
	if err != nil || len(hashes) != 1 {
		return false, err
	}
	target, err := hex.DecodeString(live.Difficulty)
	if err != nil {
		return false, err
	}
	return difficulty.Matches(hashes[0], target), nil
}

// doSubmit issues the submission and, on an AddressUnregistered
// classification, attempts a single registration-then-retry (spec §4.8's
// submission protocol step 3) before giving up. isRetry prevents a second
// recursive attempt.
func (w *Worker) doSubmit(ctx context.Context, challengeID, nonceHex string, isRetry bool) (scavclient.SubmitResult, error) {
	result, err := w.scav.Submit(ctx, w.Address.Bech32, challengeID, nonceHex)
	if err == nil {
		return result, nil
	}
	if !isRetry && errors.Is(err, scavclient.ErrAddressUnregistered) {
		if regErr := w.scav.Register(ctx, w.Address.Bech32, "", w.Address.PublicKey); regErr == nil {
			return w.doSubmit(ctx, challengeID, nonceHex, true)
		}
	}
	return scavclient.SubmitResult{}, err
}

func (w *Worker) handleSubmitError(err error, challengeID, key, hashHex string) bool {
	now := time.Now()
	if errors.Is(err, scavclient.ErrDuplicateSolution) {
		w.coord.MarkSolved(w.Address.Bech32, challengeID)
		if aerr := w.coord.AppendError(model.ErrorEntry{Timestamp: now, Address: w.Address.Bech32, ChallengeID: challengeID, Kind: "duplicate", Message: err.Error()}); aerr != nil {
			w.logger.Error("append error entry", zap.Error(aerr))
		}
		w.coord.Emit(Event{Kind: EventSolutionRejected, WorkerID: w.ID, Address: w.Address.Bech32, ChallengeID: challengeID, Hash: hashHex, Reason: "duplicate"})
		return true
	}

	kind := "rejected"
	switch {
	case errors.Is(err, scavclient.ErrSubmissionTimeout):
		kind = "timeout"
	case errors.Is(err, scavclient.ErrAddressUnregistered):
		kind = "unregistered"
	}
	if aerr := w.coord.AppendError(model.ErrorEntry{Timestamp: now, Address: w.Address.Bech32, ChallengeID: challengeID, Kind: kind, Message: err.Error()}); aerr != nil {
		w.logger.Error("append error entry", zap.Error(aerr))
	}

	w.coord.IncrementFailure(key)
	w.coord.UnmarkHashSubmitted(hashHex)
	w.coord.ClearStopped()
	w.coord.Emit(Event{Kind: EventSolutionRejected, WorkerID: w.ID, Address: w.Address.Bech32, ChallengeID: challengeID, Hash: hashHex, Reason: err.Error()})
	return false
}

func (w *Worker) publish(stats *model.WorkerStats) {
	snapshot := *stats
	w.coord.PublishStats(snapshot)
}
