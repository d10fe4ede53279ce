package hashengine

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/bmkessler/haraka"
	"github.com/remeh/sizedwaitgroup"
	"github.com/zeebo/blake3"
)

// Scheme selects the keyed-hash construction the embedded backend uses in
// place of the external ROM-based hash service. Neither scheme is the real
// protocol's hash primitive (that stays out of scope per spec §1) — both
// exist so the orchestrator is exercisable without a running hash-engine
// sidecar, the way a miner's local dev loop needs to be.
type Scheme string

const (
	SchemeHaraka Scheme = "haraka"
	SchemeBlake3 Scheme = "blake3"
)

// EmbeddedEngine computes the keyed hash in-process, fanning a batch across
// bounded goroutines instead of calling out over HTTP. The key material
// stands in for the ROM: expensive to "build" conceptually, cheap in this
// backend, since there is no actual ROM to construct.
type EmbeddedEngine struct {
	scheme Scheme

	mu        sync.RWMutex
	ready     bool
	noPreMine string
	key       [32]byte
}

// NewEmbeddedEngine constructs a local driver using scheme as its keying
// function.
func NewEmbeddedEngine(scheme Scheme) *EmbeddedEngine {
	if scheme == "" {
		scheme = SchemeBlake3
	}
	return &EmbeddedEngine{scheme: scheme}
}

func (e *EmbeddedEngine) IsROMReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

func (e *EmbeddedEngine) InitROM(ctx context.Context, noPreMine string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready && e.noPreMine == noPreMine {
		return nil
	}
	e.key = deriveKey(noPreMine)
	e.noPreMine = noPreMine
	e.ready = true
	return nil
}

func deriveKey(noPreMine string) [32]byte {
	var key [32]byte
	h := blake3.Sum256([]byte(noPreMine))
	copy(key[:], h[:])
	return key
}

func (e *EmbeddedEngine) KillWorkers() {
	e.mu.Lock()
	e.ready = false
	e.mu.Unlock()
}

func (e *EmbeddedEngine) HashBatch(ctx context.Context, preimages [][]byte) ([][]byte, error) {
	e.mu.RLock()
	ready, key, scheme := e.ready, e.key, e.scheme
	e.mu.RUnlock()
	if !ready {
		return nil, fmt.Errorf("hashengine: rom not initialized")
	}

	results := make([][]byte, len(preimages))
	swg := sizedwaitgroup.New(runtime.NumCPU())
	var firstErr error
	var errMu sync.Mutex

	for i, preimage := range preimages {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		swg.Add()
		go func(i int, preimage []byte) {
			defer swg.Done()
			out, err := hashOne(scheme, key, preimage)
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				return
			}
			results[i] = out
		}(i, preimage)
	}
	swg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func hashOne(scheme Scheme, key [32]byte, preimage []byte) ([]byte, error) {
	switch scheme {
	case SchemeHaraka:
		var block [32]byte
		copy(block[:], preimage)
		var mixed [32]byte
		haraka.Haraka256(&mixed, &block)
		out := make([]byte, 32)
		for i := range mixed {
			out[i] = mixed[i] ^ key[i]
		}
		return out, nil
	case SchemeBlake3:
		h, err := blake3.NewKeyed(key[:])
		if err != nil {
			return nil, fmt.Errorf("hashengine: keyed blake3: %w", err)
		}
		h.Write(preimage)
		return h.Sum(nil), nil
	default:
		return nil, fmt.Errorf("hashengine: unknown scheme %q", scheme)
	}
}
