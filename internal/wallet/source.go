// Package wallet provides a minimal, read-only view over wallet-derived
// addresses. Key derivation and signing are explicitly out of scope (spec
// §1 Non-goals) — this package assumes an upstream process has already
// produced the address records this reads.
package wallet

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/duskcrew/scavminer/internal/model"
)

// Source exposes the addresses the orchestrator may mine for.
type Source interface {
	Addresses() []model.Address
	MarkRegistered(index int)
}

// FileSource reads a JSON array of address records from disk once at
// construction and tracks registration state in memory.
type FileSource struct {
	mu   sync.RWMutex
	addr []model.Address
}

// LoadFile reads addresses from a JSON file shaped like
// [{"index":0,"bech32":"...","public_key":"...","registered":false}, ...].
func LoadFile(path string) (*FileSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wallet: read address file: %w", err)
	}
	var addrs []model.Address
	if err := json.Unmarshal(data, &addrs); err != nil {
		return nil, fmt.Errorf("wallet: decode address file: %w", err)
	}
	return &FileSource{addr: addrs}, nil
}

// Addresses returns a snapshot of the known addresses.
func (f *FileSource) Addresses() []model.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]model.Address, len(f.addr))
	copy(out, f.addr)
	return out
}

// MarkRegistered flips the registered flag for the address at index, if
// present.
func (f *FileSource) MarkRegistered(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.addr {
		if f.addr[i].Index == index {
			f.addr[i].Registered = true
			return
		}
	}
}
