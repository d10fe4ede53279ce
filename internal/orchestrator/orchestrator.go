// Package orchestrator drives the mining state machine (spec §4.8):
// Idle -> Loading -> RomInit -> Mining -> Transitioning -> (Mining | Idle).
// It owns every shared set the worker pool consults or updates and is the
// sole caller of hash_engine.InitROM/KillWorkers.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"go.uber.org/zap"

	"github.com/duskcrew/scavminer/internal/config"
	"github.com/duskcrew/scavminer/internal/devfee"
	"github.com/duskcrew/scavminer/internal/hashengine"
	"github.com/duskcrew/scavminer/internal/model"
	"github.com/duskcrew/scavminer/internal/poller"
	"github.com/duskcrew/scavminer/internal/receipts"
	"github.com/duskcrew/scavminer/internal/scavclient"
	"github.com/duskcrew/scavminer/internal/wallet"
	"github.com/duskcrew/scavminer/internal/worker"
)

// WatchdogInterval is how often the watchdog scans WorkerStats (spec §4.8).
const WatchdogInterval = 30 * time.Second

// TransitionQuiesce is how long Transitioning sleeps for in-flight
// batches/submissions to drain before touching the ROM (spec §4.8 step 4).
const TransitionQuiesce = 1 * time.Second

// Orchestrator runs the full state machine described by spec §4.8.
type Orchestrator struct {
	cfg    *config.Live
	logger *zap.Logger

	scav   *scavclient.Client
	engine hashengine.Engine
	wallet wallet.Source
	fee    *devfee.Rotator
	store  *receipts.Store
	poll   *poller.Poller

	state *sharedState

	userSolutionsCount int
	solutionsMu        sync.Mutex

	runCancel context.CancelFunc
	runMu     sync.Mutex

	startedAt time.Time
}

// New wires together every component the orchestrator drives directly.
// engine must already be constructed for the configured backend (RPC or
// embedded) but not yet have InitROM called.
func New(cfg *config.Live, logger *zap.Logger, scav *scavclient.Client, engine hashengine.Engine, ws wallet.Source, fee *devfee.Rotator, store *receipts.Store) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		logger: logger,
		scav:   scav,
		engine: engine,
		wallet: ws,
		fee:    fee,
		store:  store,
		poll:   poller.New(scav, logger.Named("poller")),
		state:  newSharedState(store, fee),
	}
}

// Events exposes the worker activity feed for the control surface.
func (o *Orchestrator) Events() <-chan worker.Event { return o.state.events }

// WorkerStats returns a snapshot of every worker's last-published status.
func (o *Orchestrator) WorkerStats() []model.WorkerStats { return o.state.snapshotStats() }

// DevFeeStats returns the dev-fee rotator's session totals.
func (o *Orchestrator) DevFeeStats() (enabled bool, total int) {
	return o.fee.Enabled(), o.fee.TotalDevFeeSolutions()
}

// UserSolutionsCount returns the recovered-plus-session count of
// non-dev-fee solutions submitted.
func (o *Orchestrator) UserSolutionsCount() int {
	o.solutionsMu.Lock()
	defer o.solutionsMu.Unlock()
	return o.userSolutionsCount
}

// CurrentChallengeID returns the live challenge id, or "" before one is
// known.
func (o *Orchestrator) CurrentChallengeID() string {
	return challengeID(o.state.CurrentChallenge())
}

// IsMining reports whether the mining loop is currently active.
func (o *Orchestrator) IsMining() bool {
	return o.state.isMining()
}

// Run executes the full startup sequence and then the poll/transition main
// loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startedAt = time.Now()
	if err := o.recoverFromReceipts(); err != nil {
		o.logger.Warn("recover from receipts", zap.Error(err))
	}
	if err := o.registerAddresses(ctx); err != nil {
		o.logger.Warn("register addresses", zap.Error(err))
	}
	if o.fee.Enabled() {
		if err := o.fee.PrefetchAddressPool(ctx); err != nil {
			o.logger.Warn("dev fee pool prefetch failed, dev fee disabled this session", zap.Error(err))
		}
	}

	events := make(chan poller.Event, 4)
	go o.poll.Run(ctx, events)

	watchdog := time.NewTicker(WatchdogInterval)
	defer watchdog.Stop()

	hourly := time.NewTicker(time.Until(nextHour()))
	defer hourly.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()
		case ev := <-events:
			o.handlePollEvent(ctx, ev)
		case <-watchdog.C:
			o.runWatchdog(ctx)
		case <-hourly.C:
			o.hourlyReset(ctx)
			hourly.Reset(time.Until(nextHour()))
		}
	}
}

func nextHour() time.Time {
	now := time.Now()
	return now.Truncate(time.Hour).Add(time.Hour)
}

func (o *Orchestrator) shutdown() {
	o.state.setMining(false)
	o.stopMining()
	o.engine.KillWorkers()
}

func (o *Orchestrator) handlePollEvent(ctx context.Context, ev poller.Event) {
	switch ev.Kind {
	case poller.EventShutdown:
		o.logger.Info("challenge window closed, stopping")
		o.shutdown()
	case poller.EventChallengeTransition:
		o.logger.Info("challenge transition",
			zap.String("old", challengeID(ev.Old)), zap.String("new", challengeID(ev.New)))
		o.transition(ctx, ev.Old, ev.New)
	case poller.EventDifficultyChanged:
		o.logger.Info("difficulty changed", zap.String("challenge", challengeID(ev.New)))
		o.state.setChallenge(ev.New)
	}
}

func challengeID(c *model.Challenge) string {
	if c == nil {
		return ""
	}
	return c.ChallengeID
}

// transition implements spec §4.8's Transitioning sequence.
func (o *Orchestrator) transition(ctx context.Context, old, next *model.Challenge) {
	o.state.setMining(false)
	o.stopMining()
	o.engine.KillWorkers()
	o.state.resetForTransition()
	o.state.clearSolvedForChallenge()
	time.Sleep(TransitionQuiesce)

	needsRomInit := !o.engine.IsROMReady() || old == nil || old.NoPreMine != next.NoPreMine
	if needsRomInit {
		romCtx, cancel := context.WithTimeout(ctx, hashengine.RomInitTimeout)
		err := o.engine.InitROM(romCtx, next.NoPreMine)
		cancel()
		if err != nil {
			o.logger.Error("rom init failed", zap.Error(err))
			return
		}
	}

	o.state.setChallenge(next)
	if err := o.loadChallengeState(next.ChallengeID); err != nil {
		o.logger.Warn("load challenge state", zap.Error(err))
	}
	o.startMining(ctx)
}

// hourlyReset re-runs the Transitioning purge/reinit sequence in place,
// keeping the same challenge and no_pre_mine (spec §4.8's "hourly reset").
func (o *Orchestrator) hourlyReset(ctx context.Context) {
	current := o.state.CurrentChallenge()
	if current == nil {
		return
	}
	o.logger.Info("hourly reset", zap.String("challenge", current.ChallengeID))
	o.state.setMining(false)
	o.stopMining()
	o.engine.KillWorkers()
	o.state.resetForTransition()
	time.Sleep(TransitionQuiesce)

	romCtx, cancel := context.WithTimeout(ctx, hashengine.RomInitTimeout)
	err := o.engine.InitROM(romCtx, current.NoPreMine)
	cancel()
	if err != nil {
		o.logger.Error("hourly rom reinit failed", zap.Error(err))
		return
	}
	o.startMining(ctx)
}

func (o *Orchestrator) runWatchdog(ctx context.Context) {
	if !o.state.isMining() {
		return
	}
	current := o.state.CurrentChallenge()
	if current == nil {
		return
	}

	unhealthy := false
	for _, st := range o.state.snapshotStats() {
		if st.Status == model.WorkerIdle {
			unhealthy = true
			break
		}
		if o.state.IsSolved(st.Address, current.ChallengeID) && st.Status == model.WorkerMining {
			unhealthy = true
			break
		}
	}
	if !unhealthy {
		return
	}

	o.logger.Warn("watchdog detected stalled worker pool, restarting mining")
	o.state.setMining(false)
	o.stopMining()
	time.Sleep(1 * time.Second)
	o.startMining(ctx)
}

// stopMining cancels the currently running startMining goroutine tree, if
// any. It returns without waiting for those goroutines to exit.
func (o *Orchestrator) stopMining() {
	o.runMu.Lock()
	cancel := o.runCancel
	o.runCancel = nil
	o.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// group is one contiguous span of worker IDs mining one address.
type group struct {
	address model.Address
	workers []int
}

// startMining implements spec §4.8's worker grouping, batched rotation,
// and dev-fee injection, running until ctx is cancelled or the challenge
// changes underneath it.
func (o *Orchestrator) startMining(ctx context.Context) {
	o.stopMining()

	runCtx, cancel := context.WithCancel(ctx)
	o.runMu.Lock()
	o.runCancel = cancel
	o.runMu.Unlock()

	o.state.setMining(true)
	cfg := o.cfg.Get()

	go o.mineLoop(runCtx, cfg)
}

func (o *Orchestrator) mineLoop(ctx context.Context, cfg config.OrchestratorConfig) {
	batchIdx := 0
	for {
		if ctx.Err() != nil {
			return
		}
		current := o.state.CurrentChallenge()
		if current == nil {
			return
		}

		addrs := o.remainingAddresses(current.ChallengeID)
		if len(addrs) == 0 {
			o.logger.Info("no addresses remain for challenge, idling", zap.String("challenge", current.ChallengeID))
			o.state.setMining(false)
			return
		}

		if o.fee.Enabled() {
			currentlyDevFee := o.anyWorkerMiningDevFee()
			recent, _ := o.store.RecentReceipts(devFeeRatioOrDefault(cfg))
			if o.fee.ShouldMineDevFeeNow(recent, currentlyDevFee) {
				if feeAddr, err := o.fee.GetDevFeeAddress(current.ChallengeID); err == nil {
					addrs = append([]model.Address{feeAddr}, addrs...)
				}
			}
		}

		groups := buildGroups(addrs, cfg)
		o.runBatch(ctx, current, groups, cfg)
		batchIdx++

		if ctx.Err() != nil {
			return
		}
	}
}

func devFeeRatioOrDefault(cfg config.OrchestratorConfig) int {
	if cfg.DevFeeRatio <= 0 {
		return 17
	}
	return cfg.DevFeeRatio
}

func (o *Orchestrator) anyWorkerMiningDevFee() bool {
	for _, st := range o.state.snapshotStats() {
		if st.AddressIndex == -1 && st.Status != model.WorkerCompleted {
			return true
		}
	}
	return false
}

// remainingAddresses returns every registered wallet address not yet
// solved for challengeID.
func (o *Orchestrator) remainingAddresses(challengeID string) []model.Address {
	var out []model.Address
	for _, a := range o.wallet.Addresses() {
		if !a.Registered {
			continue
		}
		if o.state.IsSolved(a.Bech32, challengeID) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// buildGroups implements spec §4.8's min_workers_per_address / group_count
// / even-distribution rules.
func buildGroups(addrs []model.Address, cfg config.OrchestratorConfig) []group {
	total := cfg.WorkerCount
	if total <= 0 {
		total = 8
	}

	minPerAddr := 1
	switch cfg.GroupingMode {
	case "all-on-one":
		minPerAddr = total
	case "grouped":
		minPerAddr = cfg.WorkersPerAddress
		if minPerAddr < 1 {
			minPerAddr = 1
		}
	default: // "auto"
		if total <= 4 {
			minPerAddr = total
		} else {
			minPerAddr = clamp(3, 5, total/4)
		}
	}

	maxGroups := total / minPerAddr
	if maxGroups < 1 {
		maxGroups = 1
	}
	groupCount := maxGroups
	if len(addrs) < groupCount {
		groupCount = len(addrs)
	}
	if groupCount == 0 {
		groupCount = 1
	}

	groups := make([]group, groupCount)
	base := total / groupCount
	extra := total % groupCount
	workerID := 0
	for i := 0; i < groupCount; i++ {
		n := base
		if i < extra {
			n++
		}
		ids := make([]int, n)
		for j := 0; j < n; j++ {
			ids[j] = workerID
			workerID++
		}
		addr := model.Address{}
		if i < len(addrs) {
			addr = addrs[i]
		} else if len(addrs) > 0 {
			addr = addrs[0]
		}
		groups[i] = group{address: addr, workers: ids}
	}
	return groups
}

func clamp(lo, hi, v int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// runBatch spawns one worker task per (group, worker id) and waits for the
// whole batch to complete before returning (spec §4.8: "Wait for the whole
// batch to complete (all groups)").
func (o *Orchestrator) runBatch(ctx context.Context, challenge *model.Challenge, groups []group, cfg config.OrchestratorConfig) {
	snapshot, err := worker.Snapshot(challenge)
	if err != nil {
		o.logger.Error("snapshot challenge", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	wCfg := worker.Config{BatchSize: cfg.BatchSize, MaxSubmissionFailures: cfg.MaxSubmissionFailures}

	for _, g := range groups {
		if g.address.Bech32 == "" {
			continue
		}
		for _, id := range g.workers {
			wg.Add(1)
			go func(workerID int, addr model.Address) {
				defer wg.Done()
				w := worker.New(workerID, addr, wCfg, o.state, o.engine, o.scav, o.logger.Named("worker"))
				w.Run(ctx, snapshot)
			}(id, g.address)
		}
	}
	wg.Wait()
}

// registerAddresses registers every unregistered wallet address,
// rate-limited to one registration per RegistrationInterval process-wide
// (enforced inside scavclient.Client.Register).
func (o *Orchestrator) registerAddresses(ctx context.Context) error {
	for _, a := range o.wallet.Addresses() {
		if a.Registered {
			continue
		}
		if err := o.scav.Register(ctx, a.Bech32, "", a.PublicKey); err != nil {
			o.logger.Warn("register address failed", zap.Int("index", a.Index), zap.Error(err))
			continue
		}
		o.wallet.MarkRegistered(a.Index)
	}
	return nil
}

// recoverFromReceipts implements spec §4.8's "Recovery from receipts":
// every past receipt seeds SubmittedHashes/SolvedSet, and the dev-fee
// cache is reconciled against the authoritative receipts count.
func (o *Orchestrator) recoverFromReceipts() error {
	all, err := o.store.ReadAllReceipts()
	if err != nil {
		return fmt.Errorf("orchestrator: read receipts: %w", err)
	}

	devFeeCount := 0
	userCount := 0
	for _, r := range all {
		o.state.MarkHashSubmitted(r.Hash)
		o.state.MarkSolved(r.Address, r.ChallengeID)
		if r.IsDevFee {
			devFeeCount++
		} else {
			userCount++
		}
	}

	o.solutionsMu.Lock()
	o.userSolutionsCount = userCount
	o.solutionsMu.Unlock()

	if devFeeCount != o.fee.TotalDevFeeSolutions() {
		if err := o.fee.SyncWithReceipts(devFeeCount); err != nil {
			return fmt.Errorf("orchestrator: sync dev fee cache: %w", err)
		}
	}
	return nil
}

// loadChallengeState restores solved-for-this-challenge counters from the
// receipts already recorded for challengeID (spec §4.8 step 6): every
// receipt for challengeID is marked solved again, since transition clears
// SolvedSet before calling this, and the count is logged for operators.
func (o *Orchestrator) loadChallengeState(challengeID string) error {
	all, err := o.store.ReadAllReceipts()
	if err != nil {
		return err
	}
	n := 0
	for _, r := range all {
		if r.ChallengeID == challengeID {
			o.state.MarkSolved(r.Address, r.ChallengeID)
			n++
		}
	}
	o.logger.Info("loaded challenge state",
		zap.String("challenge", challengeID),
		zap.Int("already_solved", n),
		zap.String("uptime", durafmt.Parse(time.Since(o.startedAt)).String()))
	return nil
}
