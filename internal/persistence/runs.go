package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// StageStatus records how one stage of an archived run went.
type StageStatus struct {
	Status     string `json:"status"`
	Degraded   bool   `json:"degraded,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// RunRecord is an archived pipeline run.
type RunRecord struct {
	ID           string
	Topic        string
	Status       string
	Degraded     bool
	CurrentStage string
	Stages       map[string]StageStatus
	ConfigJSON   string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// ArchiveRun upserts a run record. Called on creation and at every status
// change, so a crash leaves at most the in-flight stage unrecorded.
func (s *Store) ArchiveRun(ctx context.Context, rec RunRecord) error {
	stagesJSON, err := json.Marshal(rec.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	configJSON := rec.ConfigJSON
	if configJSON == "" {
		configJSON = "{}"
	}
	degraded := 0
	if rec.Degraded {
		degraded = 1
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, topic, status, degraded, current_stage, stages_json, config_json, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				degraded = excluded.degraded,
				current_stage = excluded.current_stage,
				stages_json = excluded.stages_json,
				finished_at = excluded.finished_at,
				archived_at = CURRENT_TIMESTAMP;
		`, rec.ID, rec.Topic, rec.Status, degraded, rec.CurrentStage, string(stagesJSON), configJSON, rec.StartedAt.UTC(), nullableTime(rec.FinishedAt))
		if err != nil {
			return fmt.Errorf("archive run %s: %w", rec.ID, err)
		}
		return nil
	})
}

// GetRun returns an archived run, or nil when unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, status, degraded, current_stage, stages_json, config_json, started_at, finished_at
		FROM runs WHERE id = ?;
	`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns returns archived runs, most recently started first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, status, degraded, current_stage, stages_json, config_json, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// RunEvent is one entry in the append-only run ledger.
type RunEvent struct {
	EventID   int64
	RunID     string
	Stage     string
	EventType string
	Payload   string
	CreatedAt time.Time
}

// AppendRunEvent records a stage transition, dispatch, or resolution for
// operator diagnostics.
func (s *Store) AppendRunEvent(ctx context.Context, runID, stage, eventType, payloadJSON string) error {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO run_events (run_id, stage, event_type, payload_json) VALUES (?, ?, ?, ?);
		`, runID, stage, eventType, payloadJSON)
		if err != nil {
			return fmt.Errorf("append run event %s/%s: %w", runID, eventType, err)
		}
		return nil
	})
}

// ListRunEvents returns a run's ledger entries in append order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, limit int) ([]RunEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, stage, event_type, payload_json, created_at
		FROM run_events WHERE run_id = ? ORDER BY event_id ASC LIMIT ?;
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.Stage, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run event rows: %w", err)
	}
	return out, nil
}

// RunRetention deletes run events older than the given number of days.
// Zero days keeps everything.
func (s *Store) RunRetention(ctx context.Context, runEventDays int) (int64, error) {
	if runEventDays <= 0 {
		return 0, nil
	}
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM run_events WHERE created_at < datetime('now', ?);
		`, fmt.Sprintf("-%d days", runEventDays))
		if err != nil {
			return fmt.Errorf("run retention: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec        RunRecord
		degraded   int
		stagesJSON string
		finishedAt sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Topic, &rec.Status, &degraded, &rec.CurrentStage, &stagesJSON, &rec.ConfigJSON, &rec.StartedAt, &finishedAt); err != nil {
		return nil, err
	}
	rec.Degraded = degraded != 0
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(stagesJSON), &rec.Stages); err != nil {
		rec.Stages = nil
	}
	return &rec, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
