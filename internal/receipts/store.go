// Package receipts implements the append-only receipts/errors log (spec
// §4.4) plus a derived sqlite index for point and aggregate queries. The log
// file is always authoritative; the index is rebuilt from it, never the
// reverse.
package receipts

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/duskcrew/scavminer/internal/model"
)

// ErrIOError wraps a receipts-log append failure. Per spec §7 it is logged
// and must never abort mining — losing one record is recoverable.
var ErrIOError = errors.New("receipts: io error")

// Store is the append-only receipts/errors log together with its recovery
// index. It is safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	receiptsFile *os.File
	errorsFile   *os.File
	index        *sql.DB
}

// Open opens (creating if absent) the receipts and errors log files at
// receiptsPath/errorsPath, and builds an in-memory sqlite index from the
// receipts log's current contents.
func Open(receiptsPath, errorsPath string) (*Store, error) {
	rf, err := os.OpenFile(receiptsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("receipts: open receipts log: %w", err)
	}
	ef, err := os.OpenFile(errorsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		rf.Close()
		return nil, fmt.Errorf("receipts: open errors log: %w", err)
	}

	index, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		rf.Close()
		ef.Close()
		return nil, fmt.Errorf("receipts: open index: %w", err)
	}
	if _, err := index.Exec(`
		CREATE TABLE receipts (
			address TEXT NOT NULL,
			address_index INTEGER NOT NULL,
			challenge_id TEXT NOT NULL,
			nonce TEXT NOT NULL,
			hash TEXT NOT NULL,
			is_dev_fee INTEGER NOT NULL,
			PRIMARY KEY (address, challenge_id)
		)`); err != nil {
		rf.Close()
		ef.Close()
		index.Close()
		return nil, fmt.Errorf("receipts: create index: %w", err)
	}

	s := &Store{receiptsFile: rf, errorsFile: ef, index: index}

	existing, err := readAllReceipts(receiptsPath)
	if err != nil {
		s.Close()
		return nil, err
	}
	for _, r := range existing {
		if err := s.indexReceipt(r); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the underlying files and index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.receiptsFile != nil {
		err = errors.Join(err, s.receiptsFile.Close())
	}
	if s.errorsFile != nil {
		err = errors.Join(err, s.errorsFile.Close())
	}
	if s.index != nil {
		err = errors.Join(err, s.index.Close())
	}
	return err
}

// AppendReceipt writes one line-delimited receipt record and indexes it.
// The write is a single O_APPEND write call — never multiple partial
// writes — so a crash mid-write cannot leave a half-written line ahead of
// the next append.
func (s *Store) AppendReceipt(r model.ReceiptEntry) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: marshal receipt: %v", ErrIOError, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	_, writeErr := s.receiptsFile.Write(line)
	s.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("%w: append receipt: %v", ErrIOError, writeErr)
	}
	return s.indexReceipt(r)
}

// AppendError writes one line-delimited error record.
func (s *Store) AppendError(e model.ErrorEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal error entry: %v", ErrIOError, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	_, writeErr := s.errorsFile.Write(line)
	s.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("%w: append error entry: %v", ErrIOError, writeErr)
	}
	return nil
}

func (s *Store) indexReceipt(r model.ReceiptEntry) error {
	devFee := 0
	if r.IsDevFee {
		devFee = 1
	}
	s.mu.Lock()
	_, err := s.index.Exec(`
		INSERT INTO receipts (address, address_index, challenge_id, nonce, hash, is_dev_fee)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address, challenge_id) DO NOTHING`,
		r.Address, r.AddressIndex, r.ChallengeID, r.Nonce, r.Hash, devFee)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("receipts: index receipt: %w", err)
	}
	return nil
}

// IsSolved reports whether (address, challengeID) already has a recorded
// receipt, answered from the index. Workers do not call it; their per-batch
// SolvedSet check goes to the orchestrator's in-memory state.
func (s *Store) IsSolved(address, challengeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.index.QueryRow(`SELECT 1 FROM receipts WHERE address = ? AND challenge_id = ?`, address, challengeID)
	var one int
	switch err := row.Scan(&one); {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("receipts: query solved: %w", err)
	default:
		return true, nil
	}
}

// HashSubmitted reports whether hash already appears in a receipt —
// SubmittedHashes membership.
func (s *Store) HashSubmitted(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.index.QueryRow(`SELECT 1 FROM receipts WHERE hash = ? LIMIT 1`, hash)
	var one int
	switch err := row.Scan(&one); {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("receipts: query hash: %w", err)
	default:
		return true, nil
	}
}

// CountDevFee returns the number of indexed receipts with is_dev_fee set.
func (s *Store) CountDevFee() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.index.QueryRow(`SELECT COUNT(*) FROM receipts WHERE is_dev_fee = 1`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("receipts: count dev fee: %w", err)
	}
	return n, nil
}

// ReadAllReceipts reads every receipt from the authoritative log file.
func (s *Store) ReadAllReceipts() ([]model.ReceiptEntry, error) {
	return readAllReceiptsFile(s.receiptsFile)
}

// RecentReceipts returns up to n of the most recently appended receipts.
func (s *Store) RecentReceipts(n int) ([]model.ReceiptEntry, error) {
	all, err := s.ReadAllReceipts()
	if err != nil {
		return nil, err
	}
	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// ReadAllErrors reads every error entry from the errors log file.
func (s *Store) ReadAllErrors() ([]model.ErrorEntry, error) {
	path := s.errorsFile.Name()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("receipts: open errors log: %w", err)
	}
	defer f.Close()

	var out []model.ErrorEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e model.ErrorEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // tolerate a torn trailing line from a crash mid-append
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func readAllReceipts(path string) ([]model.ReceiptEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("receipts: open receipts log: %w", err)
	}
	defer f.Close()
	return readAllReceiptsFile(f)
}

func readAllReceiptsFile(f *os.File) ([]model.ReceiptEntry, error) {
	path := f.Name()
	rf, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("receipts: open receipts log: %w", err)
	}
	defer rf.Close()

	var out []model.ReceiptEntry
	scanner := bufio.NewScanner(rf)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r model.ReceiptEntry
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue // tolerate a torn trailing line from a crash mid-append
		}
		out = append(out, r)
	}
	return out, scanner.Err()
}
