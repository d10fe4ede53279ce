package wallet

import (
	"os"
	"path/filepath"
	"testing"
)

func writeWalletFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wallet.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write wallet file: %v", err)
	}
	return path
}

func TestLoadFileAndAddresses(t *testing.T) {
	path := writeWalletFile(t, `[
		{"index":0,"bech32":"mn1addr0","public_key":"pk0","registered":false},
		{"index":1,"bech32":"mn1addr1","public_key":"pk1","registered":true}
	]`)

	src, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	addrs := src.Addresses()
	if len(addrs) != 2 {
		t.Fatalf("Addresses() len = %d, want 2", len(addrs))
	}
	if addrs[0].Registered {
		t.Fatalf("expected address 0 unregistered")
	}
	if !addrs[1].Registered {
		t.Fatalf("expected address 1 registered")
	}
}

func TestMarkRegistered(t *testing.T) {
	path := writeWalletFile(t, `[{"index":0,"bech32":"mn1addr0","public_key":"pk0","registered":false}]`)
	src, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	src.MarkRegistered(0)
	if !src.Addresses()[0].Registered {
		t.Fatalf("expected address 0 to be marked registered")
	}

	// Unknown index is a silent no-op.
	src.MarkRegistered(99)
}

func TestAddressesReturnsACopy(t *testing.T) {
	path := writeWalletFile(t, `[{"index":0,"bech32":"mn1addr0","public_key":"pk0","registered":false}]`)
	src, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	snapshot := src.Addresses()
	snapshot[0].Registered = true

	if src.Addresses()[0].Registered {
		t.Fatalf("mutating a returned snapshot must not affect the source")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing wallet file")
	}
}
