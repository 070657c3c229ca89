package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/inkworks/pressroom/internal/config"
	"github.com/inkworks/pressroom/internal/persistence"
)

// runStatusCommand prints archived runs from the persistence layer, or one
// run's stage breakdown and event log when a run ID is given.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum runs to list")
	asJSON := fs.Bool("json", false, "emit JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "usage: pressroom status [-limit n] [-json] [run-id]")
		return 2
	}

	cfg, err := loadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(ctx, filepath.Join(cfg.HomeDir, "pressroom.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open: %v\n", err)
		return 1
	}
	defer store.Close()

	if fs.NArg() == 1 {
		return showRun(ctx, store, fs.Arg(0), *asJSON)
	}
	return listRuns(ctx, store, cfg, *limit, *asJSON)
}

func listRuns(ctx context.Context, store *persistence.Store, cfg config.Config, limit int, asJSON bool) int {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		return 1
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	if len(runs) == 0 {
		fmt.Printf("no runs recorded in %s\n", cfg.HomeDir)
		return 0
	}
	fmt.Printf("%-38s %-10s %-12s %-8s %s\n", "RUN", "STATUS", "STAGE", "ELAPSED", "TOPIC")
	for _, r := range runs {
		status := r.Status
		if r.Degraded {
			status += "*"
		}
		fmt.Printf("%-38s %-10s %-12s %-8s %s\n",
			r.ID, status, r.CurrentStage, elapsed(r.StartedAt, r.FinishedAt), r.Topic)
	}
	return 0
}

func showRun(ctx context.Context, store *persistence.Store, runID string, asJSON bool) int {
	rec, err := store.GetRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get run: %v\n", err)
		return 1
	}
	if rec == nil {
		fmt.Fprintf(os.Stderr, "run %s not found\n", runID)
		return 1
	}
	events, err := store.ListRunEvents(ctx, runID, 200)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list events: %v\n", err)
		return 1
	}

	if asJSON {
		out := struct {
			Run    *persistence.RunRecord `json:"run"`
			Events []persistence.RunEvent `json:"events"`
		}{rec, events}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("run:     %s\n", rec.ID)
	fmt.Printf("topic:   %s\n", rec.Topic)
	fmt.Printf("status:  %s", rec.Status)
	if rec.Degraded {
		fmt.Printf(" (degraded)")
	}
	fmt.Println()
	fmt.Printf("elapsed: %s\n", elapsed(rec.StartedAt, rec.FinishedAt))

	if len(rec.Stages) > 0 {
		fmt.Println("stages:")
		names := make([]string, 0, len(rec.Stages))
		for name := range rec.Stages {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := rec.Stages[name]
			line := fmt.Sprintf("  %-12s %s", name, st.Status)
			if st.DurationMs > 0 {
				line += fmt.Sprintf(" (%s)", (time.Duration(st.DurationMs) * time.Millisecond).Round(time.Millisecond))
			}
			fmt.Println(line)
		}
	}

	if len(events) > 0 {
		fmt.Println("events:")
		for _, ev := range events {
			fmt.Printf("  %s %-18s %s\n", ev.CreatedAt.Format(time.RFC3339), ev.EventType, ev.Payload)
		}
	}
	return 0
}

func elapsed(start time.Time, end *time.Time) string {
	if start.IsZero() {
		return "-"
	}
	stop := time.Now().UTC()
	if end != nil {
		stop = *end
	}
	d := stop.Sub(start)
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
