// Package scavclient implements the external scavenger-service HTTP
// surface (spec §6.1): challenge polling, address registration, terms
// fetch, and solution submission, with §7's error taxonomy applied at the
// transport boundary so callers never parse HTTP bodies themselves.
package scavclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/duskcrew/scavminer/internal/model"
)

// Timeouts from spec §5.
const (
	PollTimeout     = 30 * time.Second
	RegisterTimeout = 30 * time.Second
	TermsTimeout    = 30 * time.Second
	SubmitTimeout   = 60 * time.Second

	// RegistrationInterval is the minimum spacing between registration
	// calls, process-wide.
	RegistrationInterval = 1500 * time.Millisecond
)

var (
	// ErrDuplicateSolution classifies a 4xx submission response reporting
	// the solution already exists; treated as success by the caller.
	ErrDuplicateSolution = errors.New("scavclient: duplicate solution")
	// ErrAddressUnregistered classifies a 403/4xx response indicating the
	// address must be registered before it can submit.
	ErrAddressUnregistered = errors.New("scavclient: address not registered")
	// ErrSubmissionTimeout classifies a network timeout on submission —
	// state is uncertain, the caller must count it as a failure.
	ErrSubmissionTimeout = errors.New("scavclient: submission timeout")
	// ErrSubmissionRejected classifies any other non-2xx submission
	// response.
	ErrSubmissionRejected = errors.New("scavclient: submission rejected")
)

// ChallengeResponse is the decoded body of GET /challenge.
type ChallengeResponse struct {
	Code      model.ChallengeCode `json:"code"`
	Challenge *model.Challenge    `json:"challenge,omitempty"`
}

// SubmitResult is the decoded body of a successful POST /solution.
type SubmitResult struct {
	CryptoReceipt map[string]any `json:"crypto_receipt"`
}

// Client drives the scavenger service's HTTP surface.
type Client struct {
	baseURL string
	http    *http.Client
	dryRun  bool

	registerMu   sync.Mutex
	lastRegister time.Time
}

// New constructs a Client bound to baseURL (e.g.
// "https://scavenger.prod.gd.midnighttge.io").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// SetDryRun makes Submit a no-op that always reports success without
// contacting the service, for --dry-run runs that should still exercise
// the full mining and validation path.
func (c *Client) SetDryRun(dryRun bool) { c.dryRun = dryRun }

// PollChallenge fetches the current challenge descriptor.
func (c *Client) PollChallenge(ctx context.Context) (ChallengeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, PollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/challenge", nil)
	if err != nil {
		return ChallengeResponse{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ChallengeResponse{}, fmt.Errorf("scavclient: poll challenge: %w", err)
	}
	defer resp.Body.Close()

	var out ChallengeResponse
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChallengeResponse{}, fmt.Errorf("scavclient: decode challenge: %w", err)
	}
	return out, nil
}

// FetchTerms fetches the current terms-and-conditions message and returns
// it; logging it is left to the caller. Enforcement is an out-of-scope
// wallet/registration concern.
func (c *Client) FetchTerms(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, TermsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/TandC", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("scavclient: fetch terms: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Message string `json:"message"`
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("scavclient: decode terms: %w", err)
	}
	return out.Message, nil
}

// Register registers address with the service, rate-limited to one call
// per RegistrationInterval process-wide.
func (c *Client) Register(ctx context.Context, address, signature, publicKeyHex string) error {
	c.registerMu.Lock()
	if wait := RegistrationInterval - time.Since(c.lastRegister); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			c.registerMu.Unlock()
			return ctx.Err()
		}
	}
	c.lastRegister = time.Now()
	c.registerMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, RegisterTimeout)
	defer cancel()

	path := fmt.Sprintf("/register/%s/%s/%s", url.PathEscape(address), url.PathEscape(signature), url.PathEscape(publicKeyHex))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scavclient: register: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("scavclient: register status %d", resp.StatusCode)
	}
	return nil
}

// Submit posts a solution and classifies the response per §7's error
// taxonomy.
func (c *Client) Submit(ctx context.Context, address, challengeID, nonce string) (SubmitResult, error) {
	if c.dryRun {
		return SubmitResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, SubmitTimeout)
	defer cancel()

	path := fmt.Sprintf("/solution/%s/%s/%s", url.PathEscape(address), url.PathEscape(challengeID), url.PathEscape(nonce))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return SubmitResult{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return SubmitResult{}, ErrSubmissionTimeout
		}
		return SubmitResult{}, fmt.Errorf("scavclient: submit: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode/100 == 2 {
		var out SubmitResult
		_ = sonic.Unmarshal(body, &out) // crypto_receipt is optional
		return out, nil
	}

	return SubmitResult{}, classifyRejection(resp.StatusCode, body)
}

func classifyRejection(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = sonic.Unmarshal(body, &payload)
	msg := strings.ToLower(payload.Error)

	switch {
	case strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate"):
		return ErrDuplicateSolution
	case status == http.StatusForbidden || strings.Contains(msg, "not registered") || strings.Contains(msg, "unregistered"):
		return ErrAddressUnregistered
	default:
		return fmt.Errorf("%w: status %d: %s", ErrSubmissionRejected, status, payload.Error)
	}
}
