package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/inkworks/pressroom/internal/agent"
	"github.com/inkworks/pressroom/internal/bus"
	"github.com/inkworks/pressroom/internal/memstore"
	otelx "github.com/inkworks/pressroom/internal/otel"
	"github.com/inkworks/pressroom/internal/persistence"
	"github.com/inkworks/pressroom/internal/queue"
	"github.com/inkworks/pressroom/internal/resolver"
	"github.com/inkworks/pressroom/internal/shared"
)

const (
	defaultMaxAttempts      = 3
	defaultFailureThreshold = 0.5
	dispatchRetries         = 5
	dispatchBackoff         = 50 * time.Millisecond
)

// errAborted flows out of a stage when the operator aborted the run at a
// safe checkpoint.
var errAborted = errors.New("run aborted")

// ErrUnknownRun is returned when an operation names a run the scheduler is
// not tracking.
var ErrUnknownRun = errors.New("unknown run")

// Scheduler owns the pipeline state machine. It is multi-tenant: all runs
// share one queue and one memory store, isolated by run ID.
type Scheduler struct {
	queue    *queue.Queue
	store    *memstore.Store
	resolver *resolver.Resolver
	events   *bus.Bus
	archive  *persistence.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelx.Metrics

	plan             Plan
	maxAttempts      int
	failureThreshold float64

	mu   sync.Mutex
	runs map[string]*Run
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPlan replaces the default six-stage plan.
func WithPlan(p Plan) Option {
	return func(s *Scheduler) { s.plan = p }
}

// WithMaxAttempts bounds redispatches of a failed task.
func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithFailureThreshold sets the fraction of a stage's subjects that may stay
// unresolved, even degraded, before the run fails. Values are clamped to
// (0, 1].
func WithFailureThreshold(f float64) Option {
	return func(s *Scheduler) {
		if f > 0 && f <= 1 {
			s.failureThreshold = f
		}
	}
}

// WithEvents publishes run/stage/task lifecycle events on the bus.
func WithEvents(b *bus.Bus) Option {
	return func(s *Scheduler) { s.events = b }
}

// WithArchive persists run records and the run event ledger.
func WithArchive(p *persistence.Store) Option {
	return func(s *Scheduler) { s.archive = p }
}

// WithTelemetry records spans and metric instruments for run, stage, task,
// and resolution activity.
func WithTelemetry(tracer trace.Tracer, metrics *otelx.Metrics) Option {
	return func(s *Scheduler) {
		s.tracer = tracer
		s.metrics = metrics
	}
}

// New creates a Scheduler over the shared queue, memory store, and resolver.
func New(q *queue.Queue, store *memstore.Store, res *resolver.Resolver, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		queue:            q,
		store:            store,
		resolver:         res,
		logger:           logger.With("component", "scheduler"),
		plan:             DefaultPlan(),
		maxAttempts:      defaultMaxAttempts,
		failureThreshold: defaultFailureThreshold,
		runs:             make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return s, nil
}

// Run is a live pipeline run handle.
type Run struct {
	ID           string
	Topic        string
	StyleGuide   string
	TargetLength int

	startedAt time.Time
	cancel    context.CancelFunc
	aborted   atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	status   RunStatus
	stage    Stage
	degraded bool
	stages   map[Stage]StageResult
}

// StageResult is the recorded outcome of one stage of a run.
type StageResult struct {
	Degraded bool
	Duration time.Duration
}

// Snapshot is a point-in-time view of a run's state.
type Snapshot struct {
	ID       string
	Topic    string
	Status   RunStatus
	Stage    Stage
	Degraded bool
	Stages   map[Stage]StageResult
}

// Snapshot returns the run's current state.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	stages := make(map[Stage]StageResult, len(r.stages))
	for k, v := range r.stages {
		stages[k] = v
	}
	return Snapshot{
		ID: r.ID, Topic: r.Topic, Status: r.status, Stage: r.stage,
		Degraded: r.degraded, Stages: stages,
	}
}

// Wait blocks until the run reaches a terminal state or ctx expires.
func (r *Run) Wait(ctx context.Context) (RunStatus, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Abort requests cancellation. The control loop honors it at the next safe
// checkpoint, after the in-flight resolution, never mid-resolution.
func (r *Run) Abort() {
	if r.aborted.CompareAndSwap(false, true) {
		r.cancel()
	}
}

func (r *Run) setStage(stage Stage) {
	r.mu.Lock()
	r.stage = stage
	r.mu.Unlock()
}

func (r *Run) recordStage(stage Stage, res StageResult) {
	r.mu.Lock()
	r.stages[stage] = res
	if res.Degraded {
		r.degraded = true
	}
	r.mu.Unlock()
}

// RunOption sets optional run parameters.
type RunOption func(*Run)

// WithStyleGuide attaches a style guide carried in every task payload.
func WithStyleGuide(style string) RunOption {
	return func(r *Run) { r.StyleGuide = style }
}

// WithTargetLength attaches a target word count carried in every task payload.
func WithTargetLength(n int) RunOption {
	return func(r *Run) { r.TargetLength = n }
}

// StartRun begins a new pipeline run for the topic and returns immediately;
// the control loop runs in its own goroutine.
func (s *Scheduler) StartRun(ctx context.Context, topic string, opts ...RunOption) (*Run, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	run := &Run{
		ID:        newRunID(topic),
		Topic:     topic,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
		status:    StatusRunning,
		stage:     StageIdle,
		stages:    make(map[Stage]StageResult),
	}
	for _, opt := range opts {
		opt(run)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run.cancel = cancel
	runCtx = shared.WithRunID(runCtx, run.ID)

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	go s.loop(runCtx, run)
	return run, nil
}

// Get returns a tracked run by ID.
func (s *Scheduler) Get(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return run, nil
}

// Abort requests cancellation of a tracked run.
func (s *Scheduler) Abort(runID string) error {
	run, err := s.Get(runID)
	if err != nil {
		return err
	}
	run.Abort()
	return nil
}

// Release drops a terminal run's short-term memory and stops tracking it.
// No-op while the run is still in flight.
func (s *Scheduler) Release(runID string) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-run.done:
	default:
		return
	}
	s.store.EndRun(runID)
	// A completion emitted between finish and now would otherwise sit on the
	// retired control destination forever.
	s.queue.PurgeRun(runID)
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

func newRunID(topic string) string {
	slug := agent.Slug(topic)
	if len(slug) > 24 {
		slug = slug[:24]
	}
	if slug == "" {
		slug = "run"
	}
	return fmt.Sprintf("run_%s_%s", slug, uuid.New().String()[:8])
}

// loop is the single control goroutine for one run.
func (s *Scheduler) loop(ctx context.Context, run *Run) {
	defer close(run.done)
	logger := s.logger.With("run_id", run.ID, "topic", run.Topic)
	logger.Info("run started")
	if s.tracer != nil {
		var span trace.Span
		ctx, span = otelx.StartRunSpan(ctx, s.tracer, run.ID, run.Topic)
		defer span.End()
	}
	if s.metrics != nil {
		s.metrics.ActiveRuns.Add(ctx, 1)
	}
	s.publishRun(bus.TopicRunStarted, run, StatusRunning)
	s.archiveRun(ctx, run, nil)
	s.appendEvent(ctx, run.ID, string(StageIdle), "run.started", "")

	// inputs accumulates each resolved subject's authoritative key; later
	// stages receive it in their task payloads.
	inputs := make(map[string]string)
	final := StatusCompleted

	for _, spec := range s.plan.Stages {
		if run.aborted.Load() {
			final = StatusAborted
			break
		}
		run.setStage(spec.Stage)
		s.publishStage(bus.TopicStageStarted, run, spec.Stage, false)
		s.appendEvent(ctx, run.ID, string(spec.Stage), "stage.started", "")
		stageStart := time.Now()

		stageCtx := ctx
		var stageSpan trace.Span
		if s.tracer != nil {
			stageCtx, stageSpan = otelx.StartStageSpan(ctx, s.tracer, run.ID, string(spec.Stage))
		}
		degraded, err := s.runStage(stageCtx, run, spec, inputs)
		if stageSpan != nil {
			stageSpan.SetAttributes(otelx.AttrDegraded.Bool(degraded))
			stageSpan.End()
		}
		result := StageResult{Degraded: degraded, Duration: time.Since(stageStart)}
		if s.metrics != nil {
			s.metrics.StageDuration.Record(ctx, result.Duration.Seconds())
			if degraded {
				s.metrics.DegradedStages.Add(ctx, 1)
			}
		}
		run.recordStage(spec.Stage, result)
		s.appendEvent(ctx, run.ID, string(spec.Stage), "stage.finished",
			fmt.Sprintf(`{"degraded":%t,"duration_ms":%d}`, degraded, result.Duration.Milliseconds()))

		switch {
		case errors.Is(err, errAborted):
			final = StatusAborted
		case err != nil:
			logger.Error("stage failed", "stage", spec.Stage, "error", err)
			final = StatusFailed
		case degraded:
			logger.Warn("stage degraded", "stage", spec.Stage, "duration_ms", result.Duration.Milliseconds())
			s.publishStage(bus.TopicStageDegraded, run, spec.Stage, true)
		default:
			logger.Info("stage completed", "stage", spec.Stage, "duration_ms", result.Duration.Milliseconds())
			s.publishStage(bus.TopicStageCompleted, run, spec.Stage, false)
		}
		if final != StatusCompleted {
			break
		}
	}

	s.finish(ctx, run, final)
}

func (s *Scheduler) finish(ctx context.Context, run *Run, final RunStatus) {
	// Abort cancels the run context; archiving the terminal record must
	// still go through.
	ctx = context.WithoutCancel(ctx)
	var terminal Stage
	var topic string
	switch final {
	case StatusAborted:
		terminal, topic = StageAborted, bus.TopicRunAborted
	case StatusFailed:
		terminal, topic = StageFailed, bus.TopicRunFailed
	default:
		terminal, topic = StageCompleted, bus.TopicRunCompleted
	}

	run.mu.Lock()
	run.status = final
	run.stage = terminal
	degraded := run.degraded
	run.mu.Unlock()

	// Stale completions have nowhere to go, and tasks still pending on role
	// destinations would execute into a dead run's memory; drop both.
	// Short-term memory stays for post-run inspection until Release or the
	// TTL sweep reclaims it.
	s.queue.Purge(queue.CompletionDestination(run.ID))
	if n := s.queue.PurgeRun(run.ID); n > 0 {
		s.logger.Info("stale messages purged", "run_id", run.ID, "count", n)
	}

	if s.metrics != nil {
		s.metrics.ActiveRuns.Add(ctx, -1)
		s.metrics.RunDuration.Record(ctx, time.Since(run.startedAt).Seconds())
	}
	s.logger.Info("run finished", "run_id", run.ID, "status", final, "degraded", degraded)
	s.publishRun(topic, run, final)
	finished := time.Now().UTC()
	s.archiveRun(ctx, run, &finished)
	s.appendEvent(ctx, run.ID, string(terminal), "run.finished", fmt.Sprintf(`{"status":%q,"degraded":%t}`, final, degraded))
}

// runStage dispatches one task per rostered role per subject, collects
// completions until every subject is settled or the deadline elapses, and
// resolves each subject's candidate set. Returns whether the stage closed
// degraded; a non-nil error fails or aborts the run.
func (s *Scheduler) runStage(ctx context.Context, run *Run, spec StageSpec, inputs map[string]string) (bool, error) {
	stage := string(spec.Stage)
	deadline := time.Now().Add(spec.Deadline)
	stageCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	records := make(map[string]*resolver.Record, len(spec.Subjects))
	pending := make(map[string]map[string]bool, len(spec.Subjects)) // subject -> role -> awaiting completion
	tasks := make(map[string]queue.TaskMessage)                     // task ID -> last dispatched message
	attempts := make(map[string]int)                                // task ID -> attempts so far
	degraded := false
	outstanding := 0

	for _, subject := range spec.Subjects {
		payloadRef, err := s.writePayload(ctx, run, stage, subject, inputs)
		if err != nil {
			return false, fmt.Errorf("stage %s: %w", stage, err)
		}
		records[subject] = &resolver.Record{RunID: run.ID, Stage: stage, Subject: subject}
		pending[subject] = make(map[string]bool, len(spec.Roles))
		for _, role := range spec.Roles {
			task := queue.TaskMessage{
				ID:         uuid.New().String(),
				RunID:      run.ID,
				Stage:      stage,
				Role:       role,
				Subject:    subject,
				PayloadRef: payloadRef,
				Attempt:    1,
				CreatedAt:  time.Now().UTC(),
			}
			if err := s.dispatch(stageCtx, task); err != nil {
				// Contributor never started; close it out as missing.
				s.logger.Warn("dispatch failed", "run_id", run.ID, "stage", stage,
					"role", role, "subject", subject, "error", err)
				degraded = true
				continue
			}
			tasks[task.ID] = task
			attempts[task.ID] = 1
			pending[subject][role] = true
			outstanding++
		}
	}

	resolved := make(map[string]bool, len(spec.Subjects))
	unresolvable := 0
	dest := queue.CompletionDestination(run.ID)

collect:
	for outstanding > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		env, err := s.queue.Dequeue(stageCtx, dest, remaining)
		if err != nil {
			if run.aborted.Load() {
				return degraded, errAborted
			}
			if errors.Is(err, queue.ErrTimeout) || stageCtx.Err() != nil {
				break
			}
			return degraded, fmt.Errorf("stage %s: collect completions: %w", stage, err)
		}
		if env.Completion == nil {
			s.queue.Ack(env.ID)
			continue
		}
		comp := *env.Completion
		s.queue.Ack(env.ID)

		task, known := tasks[comp.TaskID]
		if !known || comp.Stage != stage {
			// Stale: an earlier stage's straggler or a redelivered duplicate
			// of an already-settled task.
			continue
		}
		if !pending[comp.Subject][comp.Role] {
			continue
		}

		if comp.Status == queue.StatusFailure && attempts[comp.TaskID] < s.maxAttempts {
			retry := task
			retry.Attempt = attempts[comp.TaskID] + 1
			retry.CreatedAt = time.Now().UTC()
			if err := s.dispatch(stageCtx, retry); err == nil {
				attempts[comp.TaskID] = retry.Attempt
				tasks[comp.TaskID] = retry
				if s.metrics != nil {
					s.metrics.TaskRetries.Add(ctx, 1)
				}
				s.publishTask(bus.TopicTaskRetrying, retry, string(comp.Status))
				s.appendEvent(ctx, run.ID, stage, "task.retrying",
					fmt.Sprintf(`{"task_id":%q,"role":%q,"subject":%q,"attempt":%d}`,
						retry.ID, retry.Role, retry.Subject, retry.Attempt))
				continue
			}
			// Redispatch impossible; fall through and settle as exhausted.
		}

		pending[comp.Subject][comp.Role] = false
		outstanding--
		if s.metrics != nil {
			s.metrics.TaskDuration.Record(ctx, comp.Timestamp.Sub(task.CreatedAt).Seconds())
		}

		if comp.Status == queue.StatusFailure {
			degraded = true
			s.publishTask(bus.TopicTaskExhausted, task, string(comp.Status))
			s.appendEvent(ctx, run.ID, stage, "task.exhausted",
				fmt.Sprintf(`{"task_id":%q,"role":%q,"subject":%q,"attempts":%d,"error":%q}`,
					comp.TaskID, comp.Role, comp.Subject, attempts[comp.TaskID], comp.Error))
		} else {
			s.publishTask(bus.TopicTaskCompleted, task, string(comp.Status))
		}

		records[comp.Subject].AddCandidate(resolver.Candidate{
			TaskID:    comp.TaskID,
			Role:      comp.Role,
			Status:    comp.Status,
			ResultRef: comp.ResultRef,
			Attempt:   comp.Attempt,
			Timestamp: comp.Timestamp,
		})

		if subjectSettled(pending[comp.Subject]) {
			subjDegraded, err := s.resolveSubject(ctx, run, records[comp.Subject], inputs)
			switch {
			case errors.Is(err, resolver.ErrUnresolvable):
				// Every rostered role exhausted its retries: the subject is
				// missing, not the run. The failure threshold decides below.
				unresolvable++
				subjDegraded = true
			case err != nil:
				return degraded, fmt.Errorf("stage %s: %w", stage, err)
			}
			resolved[comp.Subject] = true
			degraded = degraded || subjDegraded
			// Safe checkpoint: a resolution just finished.
			if run.aborted.Load() {
				return degraded, errAborted
			}
			allDone := true
			for _, subject := range spec.Subjects {
				if !resolved[subject] {
					allDone = false
					break
				}
			}
			if allDone {
				break collect
			}
		}
	}

	// Deadline close-out: resolve remaining subjects with whatever candidates
	// exist, counting still-pending roles as missing contributors.
	for _, subject := range spec.Subjects {
		if resolved[subject] {
			continue
		}
		for role, open := range pending[subject] {
			if open {
				degraded = true
				s.logger.Warn("contributor missed deadline", "run_id", run.ID,
					"stage", stage, "role", role, "subject", subject)
			}
		}
		subjDegraded, err := s.resolveSubject(ctx, run, records[subject], inputs)
		if errors.Is(err, resolver.ErrUnresolvable) {
			unresolvable++
			degraded = true
			continue
		}
		if err != nil {
			return degraded, fmt.Errorf("stage %s: %w", stage, err)
		}
		degraded = degraded || subjDegraded
		if run.aborted.Load() {
			return degraded, errAborted
		}
	}

	if frac := float64(unresolvable) / float64(len(spec.Subjects)); frac >= s.failureThreshold {
		return degraded, fmt.Errorf("stage %s: %d of %d subjects unresolvable", stage, unresolvable, len(spec.Subjects))
	}
	return degraded, nil
}

func subjectSettled(roles map[string]bool) bool {
	for _, open := range roles {
		if open {
			return false
		}
	}
	return true
}

// resolveSubject runs the resolver for one subject's record and files the
// authoritative subject key into inputs for downstream stages. Returns
// whether the subject resolved on an incomplete candidate set.
func (s *Scheduler) resolveSubject(ctx context.Context, run *Run, rec *resolver.Record, inputs map[string]string) (bool, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = otelx.StartResolveSpan(ctx, s.tracer, run.ID, rec.Stage, rec.Subject)
		defer span.End()
	}
	resolveStart := time.Now()
	outcome, err := s.resolver.Resolve(ctx, rec)
	if s.metrics != nil {
		s.metrics.ResolveDuration.Record(ctx, time.Since(resolveStart).Seconds())
		if len(rec.Candidates) > 1 {
			s.metrics.ConflictsTotal.Add(ctx, 1)
		}
	}
	if err != nil {
		if errors.Is(err, resolver.ErrUnresolvable) {
			s.logger.Warn("subject unresolvable", "run_id", run.ID, "stage", rec.Stage,
				"subject", rec.Subject, "candidates", len(rec.Candidates))
			s.appendEvent(ctx, run.ID, rec.Stage, "subject.unresolvable",
				fmt.Sprintf(`{"subject":%q,"candidates":%d}`, rec.Subject, len(rec.Candidates)))
		}
		return false, err
	}
	inputs[rec.Subject] = rec.Subject
	s.appendEvent(ctx, run.ID, rec.Stage, "subject.resolved",
		fmt.Sprintf(`{"subject":%q,"winner":%q,"merged":%t}`, outcome.Subject, outcome.WinnerRole, outcome.Merged))

	// Incomplete candidate set means some rostered contribution failed.
	degraded := false
	for _, c := range rec.Candidates {
		if c.Status == queue.StatusFailure {
			degraded = true
		}
	}
	return degraded, nil
}

// writePayload stores the stage/subject task payload and returns its key.
func (s *Scheduler) writePayload(ctx context.Context, run *Run, stage, subject string, inputs map[string]string) (string, error) {
	payload := agent.TaskPayload{
		Topic:        run.Topic,
		StyleGuide:   run.StyleGuide,
		TargetLength: run.TargetLength,
	}
	if len(inputs) > 0 {
		payload.Inputs = make(map[string]string, len(inputs))
		for k, v := range inputs {
			payload.Inputs[k] = v
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	ref := fmt.Sprintf("payload/%s/%s", stage, subject)
	if err := s.store.Put(ctx, run.ID, ref, string(raw), memstore.TierShortTerm, "scheduler"); err != nil {
		return "", fmt.Errorf("write payload: %w", err)
	}
	return ref, nil
}

// dispatch enqueues a task to its role destination, retrying with backoff on
// backpressure.
func (s *Scheduler) dispatch(ctx context.Context, task queue.TaskMessage) error {
	delay := dispatchBackoff
	for attempt := 0; ; attempt++ {
		_, err := s.queue.EnqueueTask(task.Role, task)
		if err == nil {
			s.publishTask(bus.TopicTaskDispatched, task, "")
			return nil
		}
		if !errors.Is(err, queue.ErrQueueFull) || attempt >= dispatchRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (s *Scheduler) publishRun(topic string, run *Run, status RunStatus) {
	if s.events == nil {
		return
	}
	s.events.Publish(topic, bus.RunEvent{RunID: run.ID, Topic: run.Topic, Status: string(status)})
}

func (s *Scheduler) publishStage(topic string, run *Run, stage Stage, degraded bool) {
	if s.events == nil {
		return
	}
	s.events.Publish(topic, bus.StageEvent{RunID: run.ID, Stage: string(stage), Degraded: degraded})
}

func (s *Scheduler) publishTask(topic string, task queue.TaskMessage, status string) {
	if s.events == nil {
		return
	}
	s.events.Publish(topic, bus.TaskEvent{
		RunID: task.RunID, TaskID: task.ID, Role: task.Role,
		Subject: task.Subject, Attempt: task.Attempt, Status: status,
	})
}

func (s *Scheduler) archiveRun(ctx context.Context, run *Run, finished *time.Time) {
	if s.archive == nil {
		return
	}
	snap := run.Snapshot()
	stages := make(map[string]persistence.StageStatus, len(snap.Stages))
	for stage, res := range snap.Stages {
		status := "completed"
		if res.Degraded {
			status = "degraded"
		}
		stages[string(stage)] = persistence.StageStatus{
			Status:     status,
			Degraded:   res.Degraded,
			DurationMs: res.Duration.Milliseconds(),
		}
	}
	cfg, _ := json.Marshal(map[string]any{
		"topic":         run.Topic,
		"style_guide":   run.StyleGuide,
		"target_length": run.TargetLength,
	})
	rec := persistence.RunRecord{
		ID:           snap.ID,
		Topic:        snap.Topic,
		Status:       string(snap.Status),
		Degraded:     snap.Degraded,
		CurrentStage: string(snap.Stage),
		Stages:       stages,
		ConfigJSON:   string(cfg),
		StartedAt:    run.startedAt,
		FinishedAt:   finished,
	}
	if err := s.archive.ArchiveRun(ctx, rec); err != nil {
		s.logger.Error("archive run", "run_id", run.ID, "error", err)
	}
}

func (s *Scheduler) appendEvent(ctx context.Context, runID, stage, eventType, payloadJSON string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.AppendRunEvent(ctx, runID, stage, eventType, payloadJSON); err != nil {
		s.logger.Error("append run event", "run_id", runID, "event", eventType, "error", err)
	}
}
