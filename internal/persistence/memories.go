package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inkworks/pressroom/internal/memstore"
)

// PutLongTerm stores or updates a long-term memory entry (UPSERT).
// Long-term entries persist across runs and are never silently evicted.
func (s *Store) PutLongTerm(ctx context.Context, key, value, writtenBy string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO longterm_memories (key, value, written_by, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				written_by = excluded.written_by,
				updated_at = CURRENT_TIMESTAMP;
		`, key, value, writtenBy)
		if err != nil {
			return fmt.Errorf("put long-term %s: %w", key, err)
		}
		return nil
	})
}

// GetLongTerm retrieves a long-term memory entry. A missing key is reported
// with memstore.ErrNotFound so the memory store can distinguish absence from
// infrastructure failure.
func (s *Store) GetLongTerm(ctx context.Context, key string) (value, writtenBy string, writtenAt time.Time, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value, written_by, updated_at FROM longterm_memories WHERE key = ?;
	`, key)
	err = row.Scan(&value, &writtenBy, &writtenAt)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, fmt.Errorf("long-term %s: %w", key, memstore.ErrNotFound)
	}
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("get long-term %s: %w", key, err)
	}
	return value, writtenBy, writtenAt, nil
}

// ListLongTerm returns long-term keys with the given prefix, ordered by key.
func (s *Store) ListLongTerm(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM longterm_memories
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key ASC;
	`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list long-term: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan long-term key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
