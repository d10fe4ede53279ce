// Package hashengine is the driver contract for the ROM-based keyed hash
// backend (spec §4.1, §6.3). It is a single-writer-many-readers resource
// for HashBatch; InitROM must never be called concurrently with HashBatch
// by any caller of this package.
package hashengine

import (
	"context"
	"errors"
	"time"
)

// ErrRomInitTimeout is returned by InitROM when the backend is not ready
// within RomInitTimeout.
var ErrRomInitTimeout = errors.New("hashengine: rom init timeout")

// ErrBackendBusy classifies a transient, retryable backend failure (HTTP
// 408 from the RPC backend, or an equivalent saturation signal).
var ErrBackendBusy = errors.New("hashengine: backend busy")

// ErrBackendTimeout classifies a backend call whose context ended before a
// response arrived. Unlike ErrBackendBusy it carries no BackendBusyBackoff
// hint; the worker loop treats it like any other batch error.
var ErrBackendTimeout = errors.New("hashengine: backend timeout")

// RomInitTimeout bounds how long InitROM may block before returning
// ErrRomInitTimeout.
const RomInitTimeout = 60 * time.Second

// BackendBusyBackoff is how long a caller should sleep before retrying
// after ErrBackendBusy.
const BackendBusyBackoff = 2 * time.Second

// Engine is the hash engine driver contract. Implementations fan a batch
// across all available hardware threads internally; callers see a single
// blocking call per batch.
type Engine interface {
	// InitROM (re)builds the ROM for noPreMine. Idempotent: calling it again
	// with the same noPreMine while already ready is a cheap no-op.
	InitROM(ctx context.Context, noPreMine string) error
	// IsROMReady reports whether HashBatch can currently be served.
	IsROMReady() bool
	// HashBatch hashes each preimage and returns hashes in the same input
	// order; len(result) == len(preimages) on success.
	HashBatch(ctx context.Context, preimages [][]byte) ([][]byte, error)
	// KillWorkers tears down internal worker state so a subsequent InitROM
	// can safely rebuild from scratch.
	KillWorkers()
}
