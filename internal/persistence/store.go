// Package persistence is the durable tier: archived pipeline runs, long-term
// memory entries, and the run event ledger, backed by SQLite. Task and
// completion messages are run-scoped and never persisted here.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "pr-v1-2026-06-02-runs-memories"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and migrates the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite writers serialize; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_ledger (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			status TEXT NOT NULL,
			degraded INTEGER NOT NULL DEFAULT 0,
			current_stage TEXT NOT NULL DEFAULT '',
			stages_json TEXT NOT NULL DEFAULT '{}',
			config_json TEXT NOT NULL DEFAULT '{}',
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP,
			archived_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS run_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, event_id);

		CREATE TABLE IF NOT EXISTS longterm_memories (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			written_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schema_ledger (version, checksum) VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	// Refuse to run against a ledger from a newer build.
	var maxVersion int
	var checksum string
	err = s.db.QueryRowContext(ctx,
		`SELECT version, checksum FROM schema_ledger ORDER BY version DESC LIMIT 1;`,
	).Scan(&maxVersion, &checksum)
	if err != nil {
		return fmt.Errorf("read schema ledger: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("database schema v%d is newer than supported v%d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest && checksum != schemaChecksumLatest {
		return fmt.Errorf("schema v%d checksum mismatch: have %q, want %q", maxVersion, checksum, schemaChecksumLatest)
	}
	return nil
}

// KVSet stores a small operational value (e.g. schedule last-fired marks).
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, val)
		if err != nil {
			return fmt.Errorf("kv set %s: %w", key, err)
		}
		return nil
	})
}

// KVGet returns the stored value, or "" when absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?;`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, nil
}
