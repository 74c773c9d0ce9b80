// Package receiptindex enforces the receipt uniqueness invariant: at most one
// terminal receipt per intent hash is ever delivered. The index outlives the
// process via SQLite so a restarted world cannot double-settle an intent.
package receiptindex

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/smartcomputer-ai/agent-os/pkg/cas"
)

// Index records terminal receipts by intent hash.
type Index interface {
	// MarkTerminal records a terminal receipt. Returns false when a terminal
	// receipt for this intent hash was already recorded.
	MarkTerminal(ctx context.Context, intentHash cas.Hash, adapterID, status string) (bool, error)
	// IsTerminal reports whether the intent already settled.
	IsTerminal(ctx context.Context, intentHash cas.Hash) (bool, error)
	Close() error
}

// MemIndex is the in-memory Index used for shadow execution and tests.
type MemIndex struct {
	mu   sync.Mutex
	seen map[cas.Hash]struct{}
}

// NewMemIndex creates an empty in-memory index.
func NewMemIndex() *MemIndex {
	return &MemIndex{seen: make(map[cas.Hash]struct{})}
}

// MarkTerminal implements Index.
func (m *MemIndex) MarkTerminal(ctx context.Context, intentHash cas.Hash, adapterID, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.seen[intentHash]; dup {
		return false, nil
	}
	m.seen[intentHash] = struct{}{}
	return true, nil
}

// IsTerminal implements Index.
func (m *MemIndex) IsTerminal(ctx context.Context, intentHash cas.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[intentHash]
	return ok, nil
}

// Close implements Index.
func (m *MemIndex) Close() error { return nil }

// SQLiteIndex is the durable Index.
type SQLiteIndex struct {
	db *sql.DB
}

// OpenSQLiteIndex opens (creating if needed) the index database at path. Use
// ":memory:" for an ephemeral index.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("receiptindex: open %s: %w", path, err)
	}
	idx := &SQLiteIndex{db: db}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS terminal_receipts (
		intent_hash TEXT PRIMARY KEY,
		adapter_id  TEXT NOT NULL,
		status      TEXT NOT NULL,
		settled_at  DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("receiptindex: migrate: %w", err)
	}
	return nil
}

// MarkTerminal implements Index.
func (s *SQLiteIndex) MarkTerminal(ctx context.Context, intentHash cas.Hash, adapterID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO terminal_receipts (intent_hash, adapter_id, status, settled_at) VALUES (?, ?, ?, ?)`,
		intentHash.String(), adapterID, status, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("receiptindex: mark terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("receiptindex: mark terminal: %w", err)
	}
	return n == 1, nil
}

// IsTerminal implements Index.
func (s *SQLiteIndex) IsTerminal(ctx context.Context, intentHash cas.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM terminal_receipts WHERE intent_hash = ?`, intentHash.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("receiptindex: lookup: %w", err)
	}
	return true, nil
}

// Close implements Index.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
