package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/duskcrew/scavminer/internal/model"
	"github.com/duskcrew/scavminer/internal/scavclient"
)

// fakeCoordinator is a minimal, single-goroutine-safe Coordinator double
// covering exactly the calls worker.Run makes.
type fakeCoordinator struct {
	mu              sync.Mutex
	solved          map[string]bool
	stopped         map[int]bool
	submitting      map[string]bool
	paused          map[string]bool
	failures        map[string]int
	submittedHashes map[string]bool
	challenge       *model.Challenge
	receipts        []model.ReceiptEntry
	errors          []model.ErrorEntry
	events          []Event
	devFeeSolutions int
	stats           []model.WorkerStats
}

func newFakeCoordinator(challenge *model.Challenge) *fakeCoordinator {
	return &fakeCoordinator{
		solved:          make(map[string]bool),
		stopped:         make(map[int]bool),
		submitting:      make(map[string]bool),
		paused:          make(map[string]bool),
		failures:        make(map[string]int),
		submittedHashes: make(map[string]bool),
		challenge:       challenge,
	}
}

func (f *fakeCoordinator) IsSolved(address, challengeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.solved[model.Key(address, challengeID)]
}
func (f *fakeCoordinator) MarkSolved(address, challengeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.solved[model.Key(address, challengeID)] = true
}
func (f *fakeCoordinator) IsStopped(workerID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[workerID]
}
func (f *fakeCoordinator) StopSiblings(address string, exceptWorkerID int) {}
func (f *fakeCoordinator) TryAcquireSubmission(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitting[key] {
		return false
	}
	f.submitting[key] = true
	return true
}
func (f *fakeCoordinator) ReleaseSubmission(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.submitting, key)
}
func (f *fakeCoordinator) IsPaused(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[key]
}
func (f *fakeCoordinator) PauseSubmission(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[key] = true
}
func (f *fakeCoordinator) UnpauseSubmission(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paused, key)
}
func (f *fakeCoordinator) FailureCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[key]
}
func (f *fakeCoordinator) IncrementFailure(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key]++
	return f.failures[key]
}
func (f *fakeCoordinator) ClearFailure(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, key)
}
func (f *fakeCoordinator) HashSubmitted(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submittedHashes[hash]
}
func (f *fakeCoordinator) MarkHashSubmitted(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submittedHashes[hash] = true
}
func (f *fakeCoordinator) UnmarkHashSubmitted(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.submittedHashes, hash)
}
func (f *fakeCoordinator) ClearStopped() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = make(map[int]bool)
}
func (f *fakeCoordinator) CurrentChallenge() *model.Challenge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.challenge
}
func (f *fakeCoordinator) PublishStats(st model.WorkerStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, st)
}
func (f *fakeCoordinator) Emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}
func (f *fakeCoordinator) RecordDevFeeSolution() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devFeeSolutions++
}
func (f *fakeCoordinator) AppendReceipt(r model.ReceiptEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, r)
	return nil
}
func (f *fakeCoordinator) AppendError(e model.ErrorEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, e)
	return nil
}

// fakeEngine returns a fixed 1-byte hash for every preimage, always
// dominated by an all-ones difficulty target so the first nonce tried is
// always accepted — the test exercises submission plumbing, not hashing.
type fakeEngine struct {
	hash byte
}

func (e *fakeEngine) InitROM(ctx context.Context, noPreMine string) error { return nil }
func (e *fakeEngine) IsROMReady() bool                                   { return true }
func (e *fakeEngine) KillWorkers()                                       {}
func (e *fakeEngine) HashBatch(ctx context.Context, preimages [][]byte) ([][]byte, error) {
	out := make([][]byte, len(preimages))
	for i := range preimages {
		out[i] = []byte{e.hash}
	}
	return out, nil
}

func testChallenge() *model.Challenge {
	return &model.Challenge{
		ChallengeID:      "c1",
		Difficulty:       "ff", // one byte, all bits set: any single-byte hash matches
		LatestSubmission: "sub1",
		NoPreMineHour:    "h1",
	}
}

func TestWorkerRunSubmitsFirstAcceptableHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"crypto_receipt":{"ok":true}}`))
	}))
	defer srv.Close()

	challenge := testChallenge()
	coord := newFakeCoordinator(challenge)
	engine := &fakeEngine{hash: 0x42}
	scav := scavclient.New(srv.URL)

	addr := model.Address{Index: 0, Bech32: "mn1addr", PublicKey: "pk"}
	w := New(0, addr, Config{BatchSize: 5}, coord, engine, scav, zap.NewNop())

	snapshot, err := Snapshot(challenge)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	w.Run(context.Background(), snapshot)

	if !coord.IsSolved("mn1addr", "c1") {
		t.Fatalf("expected the address to be marked solved")
	}
	if len(coord.receipts) != 1 {
		t.Fatalf("receipts = %d, want 1", len(coord.receipts))
	}
	if coord.receipts[0].CryptoReceipt["ok"] != true {
		t.Fatalf("expected crypto_receipt to be threaded through")
	}
	if coord.devFeeSolutions != 0 {
		t.Fatalf("a non-dev-fee address must not increment dev-fee solutions")
	}
}

func TestWorkerRunCountsDevFeeSolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	challenge := testChallenge()
	coord := newFakeCoordinator(challenge)
	engine := &fakeEngine{hash: 0x11}
	scav := scavclient.New(srv.URL)

	addr := model.Address{Index: -1, Bech32: "mn1devfee"}
	w := New(0, addr, Config{BatchSize: 1}, coord, engine, scav, zap.NewNop())
	snapshot, _ := Snapshot(challenge)
	w.Run(context.Background(), snapshot)

	if coord.devFeeSolutions != 1 {
		t.Fatalf("devFeeSolutions = %d, want 1", coord.devFeeSolutions)
	}
}

func TestWorkerRunStopsWhenAlreadySolved(t *testing.T) {
	challenge := testChallenge()
	coord := newFakeCoordinator(challenge)
	coord.MarkSolved("mn1addr", "c1")
	engine := &fakeEngine{hash: 0x00}
	scav := scavclient.New("http://unused")

	addr := model.Address{Index: 0, Bech32: "mn1addr"}
	w := New(0, addr, Config{}, coord, engine, scav, zap.NewNop())
	snapshot, _ := Snapshot(challenge)
	w.Run(context.Background(), snapshot)

	if len(coord.receipts) != 0 {
		t.Fatalf("expected no submission attempt for an already-solved address")
	}
	if len(coord.stats) == 0 || coord.stats[len(coord.stats)-1].Status != model.WorkerCompleted {
		t.Fatalf("expected a final WorkerCompleted status publish")
	}
}

func TestWorkerRunHonorsStopSignal(t *testing.T) {
	challenge := testChallenge()
	coord := newFakeCoordinator(challenge)
	coord.stopped[0] = true
	engine := &fakeEngine{hash: 0x00}
	scav := scavclient.New("http://unused")

	addr := model.Address{Index: 0, Bech32: "mn1addr"}
	w := New(0, addr, Config{}, coord, engine, scav, zap.NewNop())
	snapshot, _ := Snapshot(challenge)
	w.Run(context.Background(), snapshot)

	if len(coord.receipts) != 0 {
		t.Fatalf("expected no submission attempt for a stopped worker")
	}
}

func TestWorkerRunRetriesRegistrationOnUnregisteredAddress(t *testing.T) {
	var registerCalls, submitCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/register/", func(w http.ResponseWriter, r *http.Request) {
		registerCalls++
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/solution/", func(w http.ResponseWriter, r *http.Request) {
		submitCalls++
		if submitCalls == 1 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"address not registered"}`))
			return
		}
		w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	challenge := testChallenge()
	coord := newFakeCoordinator(challenge)
	engine := &fakeEngine{hash: 0x77}
	scav := scavclient.New(srv.URL)

	addr := model.Address{Index: 0, Bech32: "mn1addr", PublicKey: "pk"}
	w := New(0, addr, Config{BatchSize: 1}, coord, engine, scav, zap.NewNop())
	snapshot, _ := Snapshot(challenge)
	w.Run(context.Background(), snapshot)

	if registerCalls != 1 {
		t.Fatalf("registerCalls = %d, want 1", registerCalls)
	}
	if submitCalls != 2 {
		t.Fatalf("submitCalls = %d, want 2 (initial rejection + retry)", submitCalls)
	}
	if !coord.IsSolved("mn1addr", "c1") {
		t.Fatalf("expected the retry to succeed and mark the address solved")
	}
}

func TestWorkerRunClearsStoppedSiblingsOnGenericRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal error"}`))
	}))
	defer srv.Close()

	challenge := testChallenge()
	coord := newFakeCoordinator(challenge)
	// Simulate a sibling worker StopSiblings would have stopped before this
	// worker attempted submission.
	coord.stopped[99] = true
	engine := &fakeEngine{hash: 0x55}
	scav := scavclient.New(srv.URL)

	addr := model.Address{Index: 0, Bech32: "mn1addr"}
	w := New(0, addr, Config{BatchSize: 1, MaxSubmissionFailures: 5}, coord, engine, scav, zap.NewNop())
	snapshot, _ := Snapshot(challenge)
	w.Run(context.Background(), snapshot)

	if coord.IsStopped(99) {
		t.Fatalf("expected ClearStopped to resume siblings after a failed submission")
	}
	if coord.FailureCount(model.Key("mn1addr", "c1")) == 0 {
		t.Fatalf("expected the failed submission to still increment the failure counter")
	}
}

func TestWorkerRunRecordsDuplicateAsSolved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"duplicate solution"}`))
	}))
	defer srv.Close()

	challenge := testChallenge()
	coord := newFakeCoordinator(challenge)
	engine := &fakeEngine{hash: 0x33}
	scav := scavclient.New(srv.URL)

	addr := model.Address{Index: 0, Bech32: "mn1addr"}
	w := New(0, addr, Config{BatchSize: 1}, coord, engine, scav, zap.NewNop())
	snapshot, _ := Snapshot(challenge)
	w.Run(context.Background(), snapshot)

	if !coord.IsSolved("mn1addr", "c1") {
		t.Fatalf("expected a duplicate-solution rejection to still mark solved")
	}
	if len(coord.errors) != 1 || coord.errors[0].Kind != "duplicate" {
		t.Fatalf("errors = %+v, want one duplicate entry", coord.errors)
	}
}
