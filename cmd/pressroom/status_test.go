package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/inkworks/pressroom/internal/persistence"
)

func seedRun(t *testing.T, home, runID string) {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(ctx, filepath.Join(home, "pressroom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	finished := time.Now().UTC()
	rec := persistence.RunRecord{
		ID:           runID,
		Topic:        "solar storage",
		Status:       "completed",
		CurrentStage: "Completed",
		Stages: map[string]persistence.StageStatus{
			"Researching": {Status: "completed", DurationMs: 1200},
			"Writing":     {Status: "degraded", Degraded: true, DurationMs: 900},
		},
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: &finished,
	}
	if err := store.ArchiveRun(ctx, rec); err != nil {
		t.Fatalf("archive run: %v", err)
	}
	if err := store.AppendRunEvent(ctx, runID, "Researching", "stage.started", `{}`); err != nil {
		t.Fatalf("append event: %v", err)
	}
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"a", "b"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_EmptyHome(t *testing.T) {
	setTestHome(t)
	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_ListsRuns(t *testing.T) {
	home := setTestHome(t)
	seedRun(t, home, "run_solar_abc12345")

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_ShowRun(t *testing.T) {
	home := setTestHome(t)
	seedRun(t, home, "run_solar_abc12345")

	code := runStatusCommand(context.Background(), []string{"run_solar_abc12345"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_ShowRunJSON(t *testing.T) {
	home := setTestHome(t)
	seedRun(t, home, "run_solar_abc12345")

	code := runStatusCommand(context.Background(), []string{"-json", "run_solar_abc12345"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnknownRun(t *testing.T) {
	setTestHome(t)
	code := runStatusCommand(context.Background(), []string{"run_missing_00000000"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestElapsed(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	if got, want := elapsed(start, &end), "1m30s"; got != want {
		t.Fatalf("elapsed = %q, want %q", got, want)
	}
	if got, want := elapsed(time.Time{}, nil), "-"; got != want {
		t.Fatalf("elapsed zero = %q, want %q", got, want)
	}
}
