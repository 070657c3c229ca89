// Package queue implements the inter-agent message queue: FIFO-per-destination
// delivery of task and completion messages with bounded capacity, ack leases,
// and at-least-once redelivery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Enqueue when the destination is at capacity.
	// Callers retry with backoff or reject; never fatal to a run.
	ErrQueueFull = errors.New("queue full")

	// ErrTimeout is returned by Dequeue when no message arrives within the bound.
	ErrTimeout = errors.New("dequeue timeout")
)

const (
	defaultLeaseDuration = 30 * time.Second
	// Dequeue wakes at least this often to reclaim expired leases.
	wakeInterval = 100 * time.Millisecond
)

// Status is the outcome reported by a completion message.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

// TaskMessage instructs an agent role to produce a contribution for a subject.
// Immutable once enqueued; a retry is a new message with the same logical
// task ID and an incremented attempt count.
type TaskMessage struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Role       string    `json:"role"`
	Subject    string    `json:"subject"`
	PayloadRef string    `json:"payload_ref"`
	Attempt    int       `json:"attempt"`
	CreatedAt  time.Time `json:"created_at"`
}

// CompletionMessage reports one attempt's outcome back to the scheduler.
type CompletionMessage struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Role      string    `json:"role"`
	Subject   string    `json:"subject"`
	Status    Status    `json:"status"`
	ResultRef string    `json:"result_ref"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope wraps exactly one task or completion message for delivery.
type Envelope struct {
	ID          string
	Destination string
	Task        *TaskMessage
	Completion  *CompletionMessage
	EnqueuedAt  time.Time
	Redelivered bool
}

type inflight struct {
	env          Envelope
	leaseExpires time.Time
}

// Queue is an in-process, multi-tenant message queue. Messages to the same
// destination are delivered in enqueue order; no ordering holds across
// destinations. Dequeued messages hold a lease until acked; expired leases
// put the message back at the head of its destination.
type Queue struct {
	mu       sync.Mutex
	pending  map[string][]Envelope
	inflight map[string]inflight
	notify   map[string]chan struct{}

	capacity int
	lease    time.Duration

	enqueued    int64
	dequeued    int64
	redelivered int64
	rejected    int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity bounds the number of pending messages per destination.
// Zero means unbounded.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithLease sets the ack lease duration for dequeued messages.
func WithLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		pending:  make(map[string][]Envelope),
		inflight: make(map[string]inflight),
		notify:   make(map[string]chan struct{}),
		lease:    defaultLeaseDuration,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// EnqueueTask places a task message on the destination queue.
func (q *Queue) EnqueueTask(destination string, msg TaskMessage) (string, error) {
	return q.enqueue(Envelope{Destination: destination, Task: &msg})
}

// EnqueueCompletion places a completion message on the destination queue.
func (q *Queue) EnqueueCompletion(destination string, msg CompletionMessage) (string, error) {
	return q.enqueue(Envelope{Destination: destination, Completion: &msg})
}

func (q *Queue) enqueue(env Envelope) (string, error) {
	if env.Destination == "" {
		return "", fmt.Errorf("enqueue: empty destination")
	}
	if (env.Task == nil) == (env.Completion == nil) {
		return "", fmt.Errorf("enqueue: envelope must carry exactly one of task or completion")
	}
	env.ID = uuid.NewString()
	env.EnqueuedAt = time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.pending[env.Destination]) >= q.capacity {
		q.rejected++
		return "", fmt.Errorf("destination %s at capacity %d: %w", env.Destination, q.capacity, ErrQueueFull)
	}
	q.pending[env.Destination] = append(q.pending[env.Destination], env)
	q.enqueued++
	q.wakeLocked(env.Destination)
	return env.ID, nil
}

// Dequeue returns the next message addressed to destination in FIFO order,
// waiting up to timeout. The message stays leased until Ack; an expired lease
// makes it eligible for redelivery, so consumers must be idempotent with
// respect to task ID + attempt.
func (q *Queue) Dequeue(ctx context.Context, destination string, timeout time.Duration) (Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		q.reclaimExpiredLocked(time.Now())
		if msgs := q.pending[destination]; len(msgs) > 0 {
			env := msgs[0]
			q.pending[destination] = msgs[1:]
			q.inflight[env.ID] = inflight{env: env, leaseExpires: time.Now().Add(q.lease)}
			q.dequeued++
			q.mu.Unlock()
			return env, nil
		}
		ch := q.notifyChanLocked(destination)
		q.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return Envelope{}, fmt.Errorf("destination %s: %w", destination, ErrTimeout)
		}
		if wait > wakeInterval {
			wait = wakeInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Envelope{}, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack marks a dequeued message as consumed, releasing its lease.
// Returns false if the lease already expired and the message was redelivered.
func (q *Queue) Ack(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[messageID]; !ok {
		return false
	}
	delete(q.inflight, messageID)
	return true
}

// Extend renews the ack lease for an inflight message. Consumers heartbeat
// this while a handler outlives the lease so the message is not reclaimed
// mid-execution. Returns false if the lease already expired.
func (q *Queue) Extend(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	inf, ok := q.inflight[messageID]
	if !ok {
		return false
	}
	inf.leaseExpires = time.Now().Add(q.lease)
	q.inflight[messageID] = inf
	return true
}

// Lease returns the ack lease duration, for sizing heartbeat intervals.
func (q *Queue) Lease() time.Duration {
	return q.lease
}

// Depth returns the number of pending messages for a destination.
func (q *Queue) Depth(destination string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[destination])
}

// Depths returns pending counts for every destination with queued messages.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.pending))
	for dest, msgs := range q.pending {
		if len(msgs) > 0 {
			out[dest] = len(msgs)
		}
	}
	return out
}

// Stats reports lifetime enqueue/dequeue/redelivery counters.
func (q *Queue) Stats() (enqueued, dequeued, redelivered int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued, q.dequeued, q.redelivered
}

// Rejects reports the lifetime count of enqueues refused by backpressure.
func (q *Queue) Rejects() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rejected
}

// Purge drops all pending messages for a destination and returns the count.
// Used when a run terminates and its control destination is retired.
func (q *Queue) Purge(destination string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending[destination])
	delete(q.pending, destination)
	return n
}

// PurgeRun drops every pending message belonging to the run, across all
// destinations. Role destinations are shared between runs, so a terminated
// run's stale tasks are filtered out rather than purged wholesale.
func (q *Queue) PurgeRun(runID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for dest, msgs := range q.pending {
		kept := msgs[:0]
		for _, env := range msgs {
			if (env.Task != nil && env.Task.RunID == runID) ||
				(env.Completion != nil && env.Completion.RunID == runID) {
				n++
				continue
			}
			kept = append(kept, env)
		}
		if len(kept) == 0 {
			delete(q.pending, dest)
		} else {
			q.pending[dest] = kept
		}
	}
	return n
}

// reclaimExpiredLocked moves inflight messages with expired leases back to the
// head of their destination queue, oldest enqueue first. Capacity is not
// enforced here: a reclaim must never lose a message.
func (q *Queue) reclaimExpiredLocked(now time.Time) {
	var expired []Envelope
	for id, inf := range q.inflight {
		if now.Before(inf.leaseExpires) {
			continue
		}
		delete(q.inflight, id)
		env := inf.env
		env.Redelivered = true
		expired = append(expired, env)
	}
	if len(expired) == 0 {
		return
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].EnqueuedAt.Before(expired[j].EnqueuedAt)
	})
	byDest := make(map[string][]Envelope)
	for _, env := range expired {
		byDest[env.Destination] = append(byDest[env.Destination], env)
	}
	for dest, envs := range byDest {
		q.pending[dest] = append(envs, q.pending[dest]...)
		q.redelivered += int64(len(envs))
		q.wakeLocked(dest)
	}
}

func (q *Queue) notifyChanLocked(destination string) chan struct{} {
	ch, ok := q.notify[destination]
	if !ok {
		ch = make(chan struct{}, 1)
		q.notify[destination] = ch
	}
	return ch
}

func (q *Queue) wakeLocked(destination string) {
	if ch, ok := q.notify[destination]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
