// Package archive persists truncated journal prefixes to Postgres. Truncation
// is only legal behind a durable snapshot; archiving first keeps the full
// event history queryable after the hot journal drops it.
package archive

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/smartcomputer-ai/agent-os/pkg/journal"
)

// PostgresArchive writes journal entries to a journal_archive table.
type PostgresArchive struct {
	db    *sql.DB
	world string
}

// Open connects to Postgres and ensures the archive table exists.
func Open(dsn, world string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open postgres: %w", err)
	}
	a := &PostgresArchive{db: db, world: world}
	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// NewWithDB wraps an existing connection (tests use sqlmock here).
func NewWithDB(db *sql.DB, world string) *PostgresArchive {
	return &PostgresArchive{db: db, world: world}
}

func (a *PostgresArchive) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS journal_archive (
		world          TEXT   NOT NULL,
		seq            BIGINT NOT NULL,
		kind           TEXT   NOT NULL,
		timestamp_ns   BIGINT NOT NULL,
		logical_now_ns BIGINT NOT NULL,
		entropy        BYTEA,
		manifest_hash  TEXT   NOT NULL,
		payload        BYTEA  NOT NULL,
		PRIMARY KEY (world, seq)
	)`
	if _, err := a.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// ArchivePrefix stores entries transactionally. Re-archiving a seq is a
// conflict no-op so crash-retry stays idempotent.
func (a *PostgresArchive) ArchivePrefix(ctx context.Context, entries []*journal.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const insert = `
		INSERT INTO journal_archive
			(world, seq, kind, timestamp_ns, logical_now_ns, entropy, manifest_hash, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (world, seq) DO NOTHING`
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, insert,
			a.world, int64(e.Seq), string(e.Kind), int64(e.TimestampNS), int64(e.LogicalNowNS),
			e.Entropy, e.ManifestHash.String(), []byte(e.Payload))
		if err != nil {
			return fmt.Errorf("archive: insert seq %d: %w", e.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// Count returns the number of archived entries for this world.
func (a *PostgresArchive) Count(ctx context.Context) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM journal_archive WHERE world = $1`, a.world).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}

// Close releases the connection pool.
func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
