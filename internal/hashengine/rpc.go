package hashengine

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// AshConfig mirrors the reference hash service's rom-sizing parameters
// (spec §6.3's InitRequest.ashConfig). Values are opaque to this package;
// they are forwarded verbatim to the RPC backend.
type AshConfig struct {
	NbLoops       uint32 `json:"nbLoops"`
	NbInstrs      uint32 `json:"nbInstrs"`
	PreSize       uint32 `json:"pre_size"`
	RomSize       uint32 `json:"rom_size"`
	MixingNumbers uint32 `json:"mixing_numbers"`
}

type initRequest struct {
	NoPreMine string    `json:"no_pre_mine"`
	AshConfig AshConfig `json:"ashConfig"`
}

type batchHashRequest struct {
	Preimages []string `json:"preimages"`
}

type batchHashResponse struct {
	Hashes []string `json:"hashes"`
}

type healthResponse struct {
	Status          string `json:"status"`
	RomInitialized  bool   `json:"romInitialized"`
}

// RPCEngine drives the process-internal hash service over HTTP (spec
// §6.3): POST /init, POST /hash-batch, GET /health.
type RPCEngine struct {
	baseURL   string
	ashConfig AshConfig
	client    *http.Client
	logger    *zap.Logger

	mu        sync.RWMutex
	ready     bool
	noPreMine string
}

// NewRPCEngine constructs a driver bound to baseURL (e.g.
// "http://127.0.0.1:9001").
func NewRPCEngine(baseURL string, ashConfig AshConfig, logger *zap.Logger) *RPCEngine {
	return &RPCEngine{
		baseURL:   baseURL,
		ashConfig: ashConfig,
		client:    &http.Client{},
		logger:    logger,
	}
}

func (e *RPCEngine) IsROMReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

func (e *RPCEngine) InitROM(ctx context.Context, noPreMine string) error {
	e.mu.RLock()
	already := e.ready && e.noPreMine == noPreMine
	e.mu.RUnlock()
	if already {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, RomInitTimeout)
	defer cancel()

	body, err := sonic.Marshal(initRequest{NoPreMine: noPreMine, AshConfig: e.ashConfig})
	if err != nil {
		return fmt.Errorf("hashengine: marshal init request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/init", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ErrRomInitTimeout
		}
		return fmt.Errorf("hashengine: init request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("hashengine: init status %d", resp.StatusCode)
	}

	if !e.waitUntilReady(ctx) {
		return ErrRomInitTimeout
	}

	e.mu.Lock()
	e.ready = true
	e.noPreMine = noPreMine
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.Info("rom initialized", zap.String("no_pre_mine", noPreMine))
	}
	return nil
}

func (e *RPCEngine) waitUntilReady(ctx context.Context) bool {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
		if err == nil {
			resp, err := e.client.Do(req)
			if err == nil {
				var h healthResponse
				data, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if sonic.Unmarshal(data, &h) == nil && h.RomInitialized {
					return true
				}
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (e *RPCEngine) HashBatch(ctx context.Context, preimages [][]byte) ([][]byte, error) {
	req := batchHashRequest{Preimages: make([]string, len(preimages))}
	for i, p := range preimages {
		req.Preimages[i] = hex.EncodeToString(p)
	}
	body, err := sonic.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/hash-batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrBackendTimeout
		}
		return nil, fmt.Errorf("hashengine: hash-batch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestTimeout {
		return nil, ErrBackendBusy
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, ErrBackendBusy
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("hashengine: hash-batch status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out batchHashResponse
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("hashengine: decode hash-batch response: %w", err)
	}
	if len(out.Hashes) != len(preimages) {
		return nil, fmt.Errorf("hashengine: expected %d hashes, got %d", len(preimages), len(out.Hashes))
	}

	result := make([][]byte, len(out.Hashes))
	for i, h := range out.Hashes {
		decoded, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("hashengine: decode hash %d: %w", i, err)
		}
		result[i] = decoded
	}
	return result, nil
}

func (e *RPCEngine) KillWorkers() {
	e.mu.Lock()
	e.ready = false
	e.mu.Unlock()
}
