package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inkworks/pressroom/internal/memstore"
	"github.com/inkworks/pressroom/internal/queue"
	"github.com/inkworks/pressroom/internal/shared"
)

const (
	defaultTaskTimeout = 5 * time.Minute
	dequeuePoll        = 500 * time.Millisecond
	enqueueRetries     = 5
	enqueueBackoff     = 100 * time.Millisecond
)

// Runner hosts one adapter: it consumes task messages addressed to the
// adapter's role, executes them, writes results to the memory store, and
// emits exactly one completion message per attempt — a failure completion
// when the adapter errors or panics, so the scheduler never has to rely on
// lease expiry to notice a crashed worker.
type Runner struct {
	adapter   Adapter
	queue     *queue.Queue
	store     *memstore.Store
	validator *ResultValidator
	logger    *slog.Logger
	timeout   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTaskTimeout bounds a single Execute call.
func WithTaskTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithValidator validates result payloads against the role's JSON schema
// before they become candidates; an invalid payload is a failed contribution.
func WithValidator(v *ResultValidator) RunnerOption {
	return func(r *Runner) { r.validator = v }
}

// NewRunner creates a Runner for the adapter.
func NewRunner(adapter Adapter, q *queue.Queue, store *memstore.Store, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		adapter: adapter,
		queue:   q,
		store:   store,
		logger:  logger.With("role", adapter.Role()),
		timeout: defaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins consuming tasks in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop cancels the consume loop and waits for the in-flight task to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	role := r.adapter.Role()

	for {
		env, err := r.queue.Dequeue(ctx, role, dequeuePoll)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("dequeue failed", "error", err)
			continue
		}
		if env.Task == nil {
			// Misrouted completion; consume and drop.
			r.queue.Ack(env.ID)
			continue
		}
		r.handle(ctx, env)
	}
}

func (r *Runner) handle(ctx context.Context, env queue.Envelope) {
	task := *env.Task
	taskCtx := shared.WithRunID(ctx, task.RunID)
	taskCtx = shared.WithTaskID(taskCtx, task.ID)
	taskCtx = shared.WithRole(taskCtx, task.Role)
	taskCtx = shared.WithStage(taskCtx, task.Stage)
	taskCtx, cancelTask := context.WithTimeout(taskCtx, r.timeout)
	defer cancelTask()

	// Adapter work routinely outlives the ack lease (default task timeout is
	// minutes, lease is seconds), so heartbeat the lease until Execute
	// returns; otherwise the queue reclaims and re-executes the same attempt.
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go r.heartbeatLease(env.ID, task.ID, hbStop, hbDone)

	started := time.Now()
	result, execErr := r.execute(taskCtx, task)
	close(hbStop)
	<-hbDone

	comp := queue.CompletionMessage{
		TaskID:    task.ID,
		RunID:     task.RunID,
		Stage:     task.Stage,
		Role:      task.Role,
		Subject:   task.Subject,
		Attempt:   task.Attempt,
		Timestamp: time.Now().UTC(),
	}

	if execErr == nil && r.validator != nil {
		if err := r.validator.Validate(result); err != nil {
			execErr = fmt.Errorf("result rejected by schema: %w", err)
		}
	}

	if execErr != nil {
		comp.Status = queue.StatusFailure
		comp.Error = execErr.Error()
		r.logger.Warn("task failed",
			"task_id", task.ID, "subject", task.Subject, "attempt", task.Attempt,
			"duration_ms", time.Since(started).Milliseconds(), "error", execErr)
	} else {
		resultRef := ResultRef(task)
		if err := r.store.Put(ctx, task.RunID, resultRef, result, memstore.TierShortTerm, task.Role); err != nil {
			comp.Status = queue.StatusFailure
			comp.Error = fmt.Sprintf("store result: %v", err)
		} else {
			comp.Status = queue.StatusSuccess
			comp.ResultRef = resultRef
			r.logger.Info("task completed",
				"task_id", task.ID, "subject", task.Subject, "attempt", task.Attempt,
				"duration_ms", time.Since(started).Milliseconds())
		}
	}

	r.emitCompletion(ctx, comp)
	r.queue.Ack(env.ID)
}

// heartbeatLease extends the envelope's ack lease at a third of the lease
// duration until stop closes. A failed extension means the lease was already
// reclaimed; the heartbeat stops and the eventual completion is deduplicated
// by the scheduler on task ID + attempt.
func (r *Runner) heartbeatLease(envID, taskID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := r.queue.Lease() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !r.queue.Extend(envID) {
				r.logger.Warn("lease lost mid-execution", "task_id", taskID)
				return
			}
		}
	}
}

// execute invokes the adapter with panic recovery: a panicking adapter still
// yields a failure completion instead of a silent lease timeout.
func (r *Runner) execute(ctx context.Context, task queue.TaskMessage) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("adapter panic: %v", rec)
		}
	}()
	return r.adapter.Execute(ctx, task, r.store)
}

// emitCompletion enqueues the completion, retrying with backoff on
// backpressure. Completions must not be lost to a momentarily full queue.
func (r *Runner) emitCompletion(ctx context.Context, comp queue.CompletionMessage) {
	dest := queue.CompletionDestination(comp.RunID)
	delay := enqueueBackoff
	for attempt := 0; ; attempt++ {
		_, err := r.queue.EnqueueCompletion(dest, comp)
		if err == nil {
			return
		}
		if !errors.Is(err, queue.ErrQueueFull) || attempt >= enqueueRetries {
			r.logger.Error("completion dropped", "task_id", comp.TaskID, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// ResultRef is the memory store key where a role's contribution for a task
// lands: candidates stay per-role; the resolver owns the bare subject key.
func ResultRef(task queue.TaskMessage) string {
	return fmt.Sprintf("%s/%s/%s", task.Stage, task.Subject, task.Role)
}
