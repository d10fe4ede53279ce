// Package poller periodically fetches the current challenge and classifies
// lifecycle transitions for the orchestrator (spec §4.6).
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/duskcrew/scavminer/internal/model"
	"github.com/duskcrew/scavminer/internal/scavclient"
)

// Interval is the poll period.
const Interval = 2 * time.Second

// Event is the tagged union of outcomes one poll tick can produce.
type Event struct {
	Kind              EventKind
	Old, New          *model.Challenge
}

type EventKind int

const (
	// EventNone means the poll produced no transition worth acting on.
	EventNone EventKind = iota
	EventChallengeTransition
	EventDifficultyChanged
	// EventShutdown signals the service reports code == "after".
	EventShutdown
)

// Poller drives PollChallenge on a fixed interval and classifies the
// result against the last accepted snapshot.
type Poller struct {
	client *scavclient.Client
	logger *zap.Logger

	current *model.Challenge
}

// New constructs a Poller against client.
func New(client *scavclient.Client, logger *zap.Logger) *Poller {
	return &Poller{client: client, logger: logger}
}

// Current returns the last-accepted challenge snapshot, or nil before the
// first active challenge is seen.
func (p *Poller) Current() *model.Challenge {
	return p.current.Clone()
}

// Run polls once per Interval until ctx is cancelled, sending classified
// events to events. The channel must be read promptly; Run does not drop
// events but does block on a full channel, matching the poller's own
// blocking HTTP call — callers should give events a small buffer.
func (p *Poller) Run(ctx context.Context, events chan<- Event) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, events)
		}
	}
}

func (p *Poller) tick(ctx context.Context, events chan<- Event) {
	resp, err := p.client.PollChallenge(ctx)
	if err != nil {
		p.logger.Warn("poll challenge failed", zap.Error(err))
		return
	}

	switch resp.Code {
	case model.ChallengeBefore:
		p.logger.Debug("challenge not yet started")
		return
	case model.ChallengeAfter:
		p.logger.Info("challenge window closed")
		select {
		case events <- Event{Kind: EventShutdown}:
		case <-ctx.Done():
		}
		return
	case model.ChallengeActive:
		p.handleActive(ctx, resp.Challenge, events)
	}
}

func (p *Poller) handleActive(ctx context.Context, next *model.Challenge, events chan<- Event) {
	if next == nil {
		return
	}
	next.Code = model.ChallengeActive

	if p.current == nil || p.current.ChallengeID != next.ChallengeID {
		old := p.current
		p.current = next.Clone()
		select {
		case events <- Event{Kind: EventChallengeTransition, Old: old, New: next.Clone()}:
		case <-ctx.Done():
		}
		return
	}

	if !p.current.MutableFieldsEqual(next) {
		old := p.current.Clone()
		p.current = next.Clone()
		select {
		case events <- Event{Kind: EventDifficultyChanged, Old: old, New: next.Clone()}:
		case <-ctx.Done():
		}
	}
}
