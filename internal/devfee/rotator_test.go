package devfee

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/duskcrew/scavminer/internal/model"
)

// testPoolAddresses are ten distinct, checksum-valid "mn"-prefixed bech32
// strings, generated with the same bech32.Encode the production code
// decodes with, one 5-bit payload word apart so each is unique.
var testPoolAddresses = mustBech32Pool("mn", 10)

func mustBech32Pool(hrp string, n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		addr, err := bech32.Encode(hrp, []byte{byte(i)})
		if err != nil {
			panic(err)
		}
		out[i] = addr
	}
	return out
}

func TestShouldMineDevFeeNow(t *testing.T) {
	r, err := New(filepath.Join(t.TempDir(), "cache.json"), "http://unused", "client1", []string{"mn"}, WithRatio(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i, a := range testPoolAddresses {
		r.st.AddressPool[i] = Address{DevAddress: a}
	}

	// Fewer than ratio-1 user receipts: never inject yet.
	if r.ShouldMineDevFeeNow([]model.ReceiptEntry{{}}, false) {
		t.Fatalf("expected false with insufficient history")
	}

	// ratio-1 user receipts, none dev-fee: should inject.
	window := []model.ReceiptEntry{{IsDevFee: false}, {IsDevFee: false}}
	if !r.ShouldMineDevFeeNow(window, false) {
		t.Fatalf("expected true when window is all-user and long enough")
	}

	// A dev-fee entry already in the window: don't inject again yet.
	window[1].IsDevFee = true
	if r.ShouldMineDevFeeNow(window, false) {
		t.Fatalf("expected false when a dev-fee receipt is already in the window")
	}

	// Already mining dev-fee: never stack a second one.
	if r.ShouldMineDevFeeNow([]model.ReceiptEntry{{}, {}, {}}, true) {
		t.Fatalf("expected false while currently mining a dev-fee address")
	}
}

func TestGetDevFeeAddressRotatesAndResetsPerChallenge(t *testing.T) {
	r, err := New(filepath.Join(t.TempDir(), "cache.json"), "http://unused", "client1", []string{"mn"}, WithRatio(3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i, a := range testPoolAddresses {
		r.st.AddressPool[i] = Address{DevAddress: a}
	}

	first, err := r.GetDevFeeAddress("c1")
	if err != nil {
		t.Fatalf("GetDevFeeAddress: %v", err)
	}
	if !first.IsDevFee() {
		t.Fatalf("expected a synthetic dev-fee address (index -1)")
	}
	if first.Bech32 != testPoolAddresses[0] {
		t.Fatalf("expected slot 0 first, got %q", first.Bech32)
	}

	if err := r.RecordDevFeeSolution(); err != nil {
		t.Fatalf("RecordDevFeeSolution: %v", err)
	}
	second, err := r.GetDevFeeAddress("c1")
	if err != nil {
		t.Fatalf("GetDevFeeAddress: %v", err)
	}
	if second.Bech32 != testPoolAddresses[1] {
		t.Fatalf("expected slot 1 after one solution, got %q", second.Bech32)
	}

	// Switching challenge resets the per-challenge counter to slot 0.
	third, err := r.GetDevFeeAddress("c2")
	if err != nil {
		t.Fatalf("GetDevFeeAddress: %v", err)
	}
	if third.Bech32 != testPoolAddresses[0] {
		t.Fatalf("expected rotation reset to slot 0 on new challenge, got %q", third.Bech32)
	}
}

func TestGetDevFeeAddressWithEmptyPool(t *testing.T) {
	r, err := New(filepath.Join(t.TempDir(), "cache.json"), "http://unused", "client1", []string{"mn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.GetDevFeeAddress("c1"); err == nil {
		t.Fatalf("expected ErrPoolInvalid with an empty pool")
	}
}

func TestPrefetchAddressPoolValidatesShapeAndPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		addrs := make([]Address, 10)
		for i, a := range testPoolAddresses {
			addrs[i] = Address{DevAddress: a, DevAddressIndex: i}
		}
		json.NewEncoder(w).Encode(prefetchResponse{Addresses: addrs})
	}))
	defer srv.Close()

	r, err := New(filepath.Join(t.TempDir(), "cache.json"), srv.URL, "client1", []string{"mn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.PrefetchAddressPool(context.Background()); err != nil {
		t.Fatalf("PrefetchAddressPool: %v", err)
	}
	if !r.Enabled() {
		t.Fatalf("expected rotator to remain enabled after a valid prefetch")
	}
}

func TestPrefetchAddressPoolDisablesOnBadShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(prefetchResponse{Addresses: []Address{{DevAddress: testPoolAddresses[0]}}})
	}))
	defer srv.Close()

	r, err := New(filepath.Join(t.TempDir(), "cache.json"), srv.URL, "client1", []string{"mn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.PrefetchAddressPool(context.Background()); err == nil {
		t.Fatalf("expected ErrPoolInvalid on a short address list")
	}
	if r.Enabled() {
		t.Fatalf("expected rotator to disable itself on invalid prefetch")
	}
}

func TestSetEnabledPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	r, err := New(path, "http://unused", "client1", []string{"mn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.SetEnabled(false)
	if r.Enabled() {
		t.Fatalf("expected Enabled() false after SetEnabled(false)")
	}

	reloaded, err := New(path, "http://unused", "client1", []string{"mn"})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Enabled() {
		t.Fatalf("expected disabled state to persist across reload")
	}
}

func TestSyncWithReceipts(t *testing.T) {
	r, err := New(filepath.Join(t.TempDir(), "cache.json"), "http://unused", "client1", []string{"mn"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.RecordDevFeeSolution(); err != nil {
		t.Fatalf("RecordDevFeeSolution: %v", err)
	}
	if got := r.TotalDevFeeSolutions(); got != 1 {
		t.Fatalf("TotalDevFeeSolutions() = %d, want 1", got)
	}
	if err := r.SyncWithReceipts(5); err != nil {
		t.Fatalf("SyncWithReceipts: %v", err)
	}
	if got := r.TotalDevFeeSolutions(); got != 5 {
		t.Fatalf("TotalDevFeeSolutions() = %d, want 5 after sync", got)
	}
}
