// Command pipeline_smoke runs one complete pipeline in-process with the
// built-in role adapters and checks the run archive end to end: six stages
// recorded, no degradation, and the final publication artifact present in
// run memory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/inkworks/pressroom/internal/agent"
	"github.com/inkworks/pressroom/internal/bus"
	"github.com/inkworks/pressroom/internal/memstore"
	"github.com/inkworks/pressroom/internal/persistence"
	"github.com/inkworks/pressroom/internal/queue"
	"github.com/inkworks/pressroom/internal/resolver"
	"github.com/inkworks/pressroom/internal/scheduler"
)

func main() {
	topic := flag.String("topic", "smoke test dispatch", "run topic")
	timeout := flag.Duration("timeout", 60*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "pressroom-smoke-*")
	if err != nil {
		fail("tempdir: %v", err)
	}
	defer os.RemoveAll(dir)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := persistence.Open(ctx, filepath.Join(dir, "pressroom.db"))
	if err != nil {
		fail("store open: %v", err)
	}
	defer store.Close()

	events := bus.New()
	mem := memstore.New(memstore.WithLongTerm(store))
	q := queue.New()
	res := resolver.New(nil, mem, resolver.WithEvents(events))

	sched, err := scheduler.New(q, mem, res, logger,
		scheduler.WithEvents(events),
		scheduler.WithArchive(store),
	)
	if err != nil {
		fail("scheduler: %v", err)
	}

	for _, ad := range agent.BuiltinAdapters() {
		r := agent.NewRunner(ad, q, mem, logger)
		r.Start(ctx)
		defer r.Stop()
	}

	run, err := sched.StartRun(ctx, *topic, scheduler.WithTargetLength(400))
	if err != nil {
		fail("start run: %v", err)
	}
	status, err := run.Wait(ctx)
	if err != nil {
		fail("wait: %v", err)
	}
	if status != scheduler.StatusCompleted {
		fail("run status = %s, want completed", status)
	}

	snap := run.Snapshot()
	if snap.Degraded {
		fail("run completed degraded")
	}
	if got, want := len(snap.Stages), 6; got != want {
		fail("stages recorded = %d, want %d", got, want)
	}

	// The publication subject must hold an authoritative result ref that
	// resolves to a stored artifact.
	ref, err := mem.Get(ctx, run.ID, "publication")
	if err != nil {
		fail("publication subject: %v", err)
	}
	artifact, err := mem.Get(ctx, run.ID, ref.Value)
	if err != nil {
		fail("publication artifact: %v", err)
	}
	if artifact.Value == "" {
		fail("publication artifact is empty")
	}

	rec, err := store.GetRun(ctx, run.ID)
	if err != nil || rec == nil {
		fail("archived run missing: %v", err)
	}
	if rec.Status != string(scheduler.StatusCompleted) {
		fail("archived status = %s, want completed", rec.Status)
	}

	fmt.Printf("PASS: run %s completed in %d stages, artifact %d bytes\n",
		run.ID, len(snap.Stages), len(artifact.Value))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
