package orchestrator

import (
	"sync"

	"github.com/duskcrew/scavminer/internal/devfee"
	"github.com/duskcrew/scavminer/internal/model"
	"github.com/duskcrew/scavminer/internal/receipts"
	"github.com/duskcrew/scavminer/internal/worker"
)

// sharedState holds every set/map spec §5 requires safe concurrent access
// to. Each logical map gets its own mutex — following the teacher's
// workCacheLock *sync.RWMutex pattern in driver/thyroid.go — rather than
// one orchestrator-wide lock, so the hot hashing path in worker.Run never
// blocks behind bookkeeping.
type sharedState struct {
	receipts *receipts.Store
	devfee   *devfee.Rotator

	challengeMu sync.RWMutex
	challenge   *model.Challenge

	miningMu sync.RWMutex
	mining   bool

	solvedMu sync.RWMutex
	solved   map[string]bool // model.Key(addr, challengeID) -> true

	submittedHashMu sync.RWMutex
	submittedHash   map[string]bool

	submittingMu sync.Mutex
	submitting   map[string]bool

	pausedMu sync.RWMutex
	paused   map[string]bool

	stoppedMu sync.RWMutex
	stopped   map[int]bool

	failuresMu sync.RWMutex
	failures   map[string]int

	statsMu sync.RWMutex
	stats   map[int]model.WorkerStats

	events chan worker.Event
}

func newSharedState(store *receipts.Store, fee *devfee.Rotator) *sharedState {
	return &sharedState{
		receipts:      store,
		devfee:        fee,
		solved:        make(map[string]bool),
		submittedHash: make(map[string]bool),
		submitting:    make(map[string]bool),
		paused:        make(map[string]bool),
		stopped:       make(map[int]bool),
		failures:      make(map[string]int),
		stats:         make(map[int]model.WorkerStats),
		events:        make(chan worker.Event, 256),
	}
}

// --- challenge / mining flag -------------------------------------------------

func (s *sharedState) setChallenge(c *model.Challenge) {
	s.challengeMu.Lock()
	s.challenge = c
	s.challengeMu.Unlock()
}

func (s *sharedState) CurrentChallenge() *model.Challenge {
	s.challengeMu.RLock()
	defer s.challengeMu.RUnlock()
	return s.challenge
}

func (s *sharedState) setMining(v bool) {
	s.miningMu.Lock()
	s.mining = v
	s.miningMu.Unlock()
}

func (s *sharedState) isMining() bool {
	s.miningMu.RLock()
	defer s.miningMu.RUnlock()
	return s.mining
}

// --- SolvedSet ---------------------------------------------------------------

func (s *sharedState) IsSolved(address, challengeID string) bool {
	s.solvedMu.RLock()
	defer s.solvedMu.RUnlock()
	return s.solved[model.Key(address, challengeID)]
}

func (s *sharedState) MarkSolved(address, challengeID string) {
	s.solvedMu.Lock()
	s.solved[model.Key(address, challengeID)] = true
	s.solvedMu.Unlock()
}

func (s *sharedState) clearSolvedForChallenge() {
	s.solvedMu.Lock()
	s.solved = make(map[string]bool)
	s.solvedMu.Unlock()
}

// --- SubmittedHashes ----------------------------------------------------------

func (s *sharedState) HashSubmitted(hash string) bool {
	s.submittedHashMu.RLock()
	defer s.submittedHashMu.RUnlock()
	return s.submittedHash[hash]
}

func (s *sharedState) MarkHashSubmitted(hash string) {
	s.submittedHashMu.Lock()
	s.submittedHash[hash] = true
	s.submittedHashMu.Unlock()
}

func (s *sharedState) UnmarkHashSubmitted(hash string) {
	s.submittedHashMu.Lock()
	delete(s.submittedHash, hash)
	s.submittedHashMu.Unlock()
}

// --- SubmittingAddresses (atomic test-and-set) --------------------------------

func (s *sharedState) TryAcquireSubmission(key string) bool {
	s.submittingMu.Lock()
	defer s.submittingMu.Unlock()
	if s.submitting[key] {
		return false
	}
	s.submitting[key] = true
	return true
}

func (s *sharedState) ReleaseSubmission(key string) {
	s.submittingMu.Lock()
	delete(s.submitting, key)
	s.submittingMu.Unlock()
}

// --- PausedAddresses -----------------------------------------------------------

func (s *sharedState) IsPaused(key string) bool {
	s.pausedMu.RLock()
	defer s.pausedMu.RUnlock()
	return s.paused[key]
}

func (s *sharedState) PauseSubmission(key string) {
	s.pausedMu.Lock()
	s.paused[key] = true
	s.pausedMu.Unlock()
}

func (s *sharedState) UnpauseSubmission(key string) {
	s.pausedMu.Lock()
	delete(s.paused, key)
	s.pausedMu.Unlock()
}

func (s *sharedState) clearPaused() {
	s.pausedMu.Lock()
	s.paused = make(map[string]bool)
	s.pausedMu.Unlock()
}

// --- StoppedWorkers --------------------------------------------------------------

func (s *sharedState) IsStopped(workerID int) bool {
	s.stoppedMu.RLock()
	defer s.stoppedMu.RUnlock()
	return s.stopped[workerID]
}

func (s *sharedState) stop(workerID int) {
	s.stoppedMu.Lock()
	s.stopped[workerID] = true
	s.stoppedMu.Unlock()
}

// StopSiblings stops every currently-mining worker on the same address
// except exceptWorkerID. Workers are looked up by their last-published
// stats, matching spec §4.7 step 4's "siblings only, not the whole pool".
func (s *sharedState) StopSiblings(address string, exceptWorkerID int) {
	s.statsMu.RLock()
	var siblingIDs []int
	for id, st := range s.stats {
		if id != exceptWorkerID && st.Address == address && st.Status == model.WorkerMining {
			siblingIDs = append(siblingIDs, id)
		}
	}
	s.statsMu.RUnlock()

	s.stoppedMu.Lock()
	for _, id := range siblingIDs {
		s.stopped[id] = true
	}
	s.stoppedMu.Unlock()
}

func (s *sharedState) clearStopped() {
	s.stoppedMu.Lock()
	s.stopped = make(map[int]bool)
	s.stoppedMu.Unlock()
}

// ClearStopped clears StoppedWorkers pool-wide. Called after a failed
// submission (spec §4.7 step 4) to undo the StopSiblings call made before
// submitting, so siblings resume mining instead of sitting out the rest of
// the challenge.
func (s *sharedState) ClearStopped() {
	s.clearStopped()
}

// --- AddressSubmissionFailures ------------------------------------------------

func (s *sharedState) FailureCount(key string) int {
	s.failuresMu.RLock()
	defer s.failuresMu.RUnlock()
	return s.failures[key]
}

func (s *sharedState) IncrementFailure(key string) int {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	s.failures[key]++
	return s.failures[key]
}

func (s *sharedState) ClearFailure(key string) {
	s.failuresMu.Lock()
	delete(s.failures, key)
	s.failuresMu.Unlock()
}

// --- WorkerStats -----------------------------------------------------------------

func (s *sharedState) PublishStats(st model.WorkerStats) {
	s.statsMu.Lock()
	s.stats[st.WorkerID] = st
	s.statsMu.Unlock()
}

func (s *sharedState) snapshotStats() []model.WorkerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	out := make([]model.WorkerStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, st)
	}
	return out
}

func (s *sharedState) clearStats() {
	s.statsMu.Lock()
	s.stats = make(map[int]model.WorkerStats)
	s.statsMu.Unlock()
}

// --- events ------------------------------------------------------------------

func (s *sharedState) Emit(ev worker.Event) {
	select {
	case s.events <- ev:
	default:
		// Activity feed is best-effort; a full buffer means nobody's
		// draining it, never block mining on it.
	}
}

// --- dev fee -------------------------------------------------------------------

func (s *sharedState) RecordDevFeeSolution() {
	_ = s.devfee.RecordDevFeeSolution()
}

// --- receipts/errors log ------------------------------------------------------

func (s *sharedState) AppendReceipt(r model.ReceiptEntry) error {
	return s.receipts.AppendReceipt(r)
}

func (s *sharedState) AppendError(e model.ErrorEntry) error {
	return s.receipts.AppendError(e)
}

// resetForTransition clears everything spec §4.8's Transitioning state
// says must be purged on a challenge change or hourly reset.
func (s *sharedState) resetForTransition() {
	s.clearStats()
	s.clearPaused()
	s.submittingMu.Lock()
	s.submitting = make(map[string]bool)
	s.submittingMu.Unlock()
	s.clearStopped()
}
