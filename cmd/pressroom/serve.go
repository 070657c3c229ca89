package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/inkworks/pressroom/internal/config"
	"github.com/inkworks/pressroom/internal/cron"
	"github.com/inkworks/pressroom/internal/scheduler"
)

const (
	metricsSampleInterval = 15 * time.Second
	sweepInterval         = time.Minute
	retentionInterval     = 24 * time.Hour
)

// runServeCommand starts the daemon: role runners, cron-triggered runs,
// config reload detection, and periodic maintenance (TTL sweep, retention,
// gauge sampling).
func runServeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: pressroom serve")
		return 2
	}

	cfg, err := loadConfig(nil)
	if err != nil {
		return fatalStartup(nil, "config load", err)
	}
	logger, closeLogs, err := newLogger(cfg, false)
	if err != nil {
		return fatalStartup(nil, "logger init", err)
	}
	defer closeLogs()
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return fatalStartup(logger, "runtime init", err)
	}
	defer rt.close(context.WithoutCancel(ctx))
	rt.start(ctx)
	logger.Info("startup phase", "phase", "runners_started", "runners", len(rt.runners))

	starter := cron.StarterFunc(func(ctx context.Context, topic string) (string, error) {
		var opts []scheduler.RunOption
		if cfg.Pipeline.StyleGuide != "" {
			opts = append(opts, scheduler.WithStyleGuide(cfg.Pipeline.StyleGuide))
		}
		if cfg.Pipeline.TargetLength > 0 {
			opts = append(opts, scheduler.WithTargetLength(cfg.Pipeline.TargetLength))
		}
		run, err := rt.sched.StartRun(ctx, topic, opts...)
		if err != nil {
			return "", err
		}
		return run.ID, nil
	})

	schedules := make([]cron.Schedule, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		schedules = append(schedules, cron.Schedule{Name: sc.Name, Expr: sc.Cron, Topic: sc.Topic})
	}
	cronSched, err := cron.NewScheduler(cron.Config{
		Schedules: schedules,
		Starter:   starter,
		Store:     rt.store,
		Events:    rt.events,
		Logger:    logger,
	})
	if err != nil {
		return fatalStartup(logger, "cron init", err)
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		return fatalStartup(logger, "config watcher", err)
	}
	go watchConfig(watcher, cfg.Fingerprint(), logger)

	go maintenanceLoop(ctx, rt)

	logger.Info("pressroom serving", "home", cfg.HomeDir, "schedules", len(schedules), "version", Version)
	<-ctx.Done()
	logger.Info("shutdown requested")
	return 0
}

// watchConfig logs config file changes. Scheduling knobs are bound at
// startup, so a changed fingerprint means a restart is needed to apply.
func watchConfig(w *config.Watcher, fingerprint string, logger *slog.Logger) {
	for ev := range w.Events() {
		next, err := config.Load()
		if err != nil {
			logger.Warn("config reload failed validation; keeping active config", "path", ev.Path, "error", err)
			continue
		}
		if next.Fingerprint() == fingerprint {
			logger.Info("config file touched, no effective change", "path", ev.Path)
			continue
		}
		logger.Warn("config changed on disk; restart to apply",
			"path", ev.Path, "old", fingerprint, "new", next.Fingerprint())
	}
}

// maintenanceLoop drives the periodic work the substrate does not do on its
// own: short-term TTL sweeps, run-event retention, and instrument sampling
// for counters kept inside the queue and memory store.
func maintenanceLoop(ctx context.Context, rt *runtime) {
	sample := time.NewTicker(metricsSampleInterval)
	defer sample.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	retention := time.NewTicker(retentionInterval)
	defer retention.Stop()

	var lastDepth, lastRejects, lastRedelivered, lastEvictions int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			var depth int64
			for _, n := range rt.queue.Depths() {
				depth += int64(n)
			}
			rt.metrics.QueueDepth.Add(ctx, depth-lastDepth)
			lastDepth = depth

			_, _, redelivered := rt.queue.Stats()
			rt.metrics.Redeliveries.Add(ctx, redelivered-lastRedelivered)
			lastRedelivered = redelivered

			rejects := rt.queue.Rejects()
			rt.metrics.QueueRejects.Add(ctx, rejects-lastRejects)
			lastRejects = rejects

			evictions := rt.mem.Evictions()
			rt.metrics.MemoryEvictions.Add(ctx, evictions-lastEvictions)
			lastEvictions = evictions
		case <-sweep.C:
			if n := rt.mem.Sweep(); n > 0 {
				rt.logger.Debug("short-term memory sweep", "expired", n)
			}
		case <-retention.C:
			days := rt.cfg.RetentionRunEventsDays
			if days <= 0 {
				continue
			}
			deleted, err := rt.store.RunRetention(ctx, days)
			if err != nil {
				rt.logger.Warn("run event retention", "error", err)
			} else if deleted > 0 {
				rt.logger.Info("run event retention", "deleted", deleted, "days", days)
			}
		}
	}
}
