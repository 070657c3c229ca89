package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Run lifecycle topics.
const (
	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"
	TopicRunAborted   = "run.aborted"
)

// Stage and task topics.
const (
	TopicStageStarted   = "stage.started"
	TopicStageCompleted = "stage.completed"
	TopicStageDegraded  = "stage.degraded"
	TopicTaskDispatched = "task.dispatched"
	TopicTaskCompleted  = "task.completed"
	TopicTaskRetrying   = "task.retrying"
	TopicTaskExhausted  = "task.exhausted"
)

// RunEvent is published on run lifecycle transitions.
type RunEvent struct {
	RunID  string // Run ID
	Topic  string // Input topic of the run
	Status string // Overall status (running/completed/failed/aborted)
}

// StageEvent is published when a stage starts, completes, or degrades.
type StageEvent struct {
	RunID    string // Run ID
	Stage    string // Stage name (e.g. researching)
	Degraded bool   // True when the stage closed with missing contributors
}

// TaskEvent is published on task dispatch, completion, and retry.
type TaskEvent struct {
	RunID   string // Run ID
	TaskID  string // Logical task ID (stable across retries)
	Role    string // Target agent role
	Subject string // Subject key the task contributes to
	Attempt int    // Attempt count, starting at 1
	Status  string // Completion status (success/failure/partial), empty on dispatch
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
