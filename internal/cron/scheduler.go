// Package cron fires recurring pipeline runs from configured cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/inkworks/pressroom/internal/bus"
	"github.com/inkworks/pressroom/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Starter begins a pipeline run for a topic. Implemented by the pipeline
// scheduler.
type Starter interface {
	Start(ctx context.Context, topic string) (runID string, err error)
}

// StarterFunc adapts a function to the Starter interface.
type StarterFunc func(ctx context.Context, topic string) (string, error)

func (f StarterFunc) Start(ctx context.Context, topic string) (string, error) {
	return f(ctx, topic)
}

// Schedule is one recurring trigger: fire a run for Topic per Expr.
type Schedule struct {
	Name  string
	Expr  string
	Topic string

	next time.Time
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Schedules []Schedule
	Starter   Starter
	Store     *persistence.Store // optional: persists last-fired times
	Events    *bus.Bus           // optional: publishes schedule.fired
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks at a fixed interval and starts a pipeline run for every
// schedule that has come due.
type Scheduler struct {
	schedules []Schedule
	starter   Starter
	store     *persistence.Store
	events    *bus.Bus
	logger    *slog.Logger
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedules and creates a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Starter == nil {
		return nil, fmt.Errorf("cron: starter is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, sched := range cfg.Schedules {
		if _, err := cronParser.Parse(sched.Expr); err != nil {
			return nil, fmt.Errorf("cron: schedule %q has invalid expression %q: %w", sched.Name, sched.Expr, err)
		}
	}
	return &Scheduler{
		schedules: append([]Schedule(nil), cfg.Schedules...),
		starter:   cfg.Starter,
		store:     cfg.Store,
		events:    cfg.Events,
		logger:    logger,
		interval:  interval,
	}, nil
}

// Start seeds each schedule's next fire time and begins the tick loop in a
// background goroutine. A schedule whose persisted last-fired time implies a
// missed window fires once on the first tick.
func (s *Scheduler) Start(ctx context.Context) {
	now := time.Now()
	for i := range s.schedules {
		after := now
		if last, ok := s.lastFired(ctx, s.schedules[i].Name); ok {
			after = last
		}
		s.schedules[i].next, _ = NextRunTime(s.schedules[i].Expr, after)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "schedules", len(s.schedules), "interval", s.interval)
}

// Stop cancels the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for i := range s.schedules {
		if s.schedules[i].next.IsZero() || s.schedules[i].next.After(now) {
			continue
		}
		s.fire(ctx, &s.schedules[i], now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	runID, err := s.starter.Start(ctx, sched.Topic)
	if err != nil {
		s.logger.Error("cron: failed to start run for schedule",
			"schedule", sched.Name,
			"topic", sched.Topic,
			"error", err,
		)
		return
	}

	sched.next, _ = NextRunTime(sched.Expr, now)
	if s.store != nil {
		if err := s.store.KVSet(ctx, lastFiredKey(sched.Name), now.UTC().Format(time.RFC3339)); err != nil {
			s.logger.Error("cron: failed to persist last-fired time", "schedule", sched.Name, "error", err)
		}
	}
	if s.events != nil {
		s.events.Publish(bus.TopicScheduleFired, bus.ScheduleEvent{
			ScheduleID: sched.Name,
			RunID:      runID,
			Topic:      sched.Topic,
		})
	}
	s.logger.Info("cron: schedule fired",
		"schedule", sched.Name,
		"run_id", runID,
		"next_run_at", sched.next,
	)
}

func (s *Scheduler) lastFired(ctx context.Context, name string) (time.Time, bool) {
	if s.store == nil {
		return time.Time{}, false
	}
	raw, err := s.store.KVGet(ctx, lastFiredKey(name))
	if err != nil || raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func lastFiredKey(name string) string {
	return "cron/last_fired/" + name
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
