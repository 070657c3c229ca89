// Package agent is the adapter boundary: the uniform capability contract each
// specialized worker implements, and the runner that hosts adapters against
// the message queue and memory store. The orchestration core depends on this
// package's interfaces only, never on what an adapter does inside Execute.
package agent

import (
	"context"

	"github.com/inkworks/pressroom/internal/memstore"
	"github.com/inkworks/pressroom/internal/queue"
)

// MemoryReader is the read-only view of the memory store an adapter gets for
// loading prior-stage outputs and optional context. Implemented by
// *memstore.Store.
type MemoryReader interface {
	Get(ctx context.Context, runID, key string) (memstore.Entry, error)
}

// Adapter is the capability contract for one agent role. Execute performs the
// role's domain-specific work for a task and returns the result value; the
// hosting Runner writes it to the memory store and emits the completion.
// External integrations (search, generation, publishing) live entirely inside
// Execute and never leak latency into the scheduler's control loop.
type Adapter interface {
	Role() string
	Execute(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error)
}

// Func adapts a plain function into an Adapter.
type Func struct {
	role string
	fn   func(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error)
}

// NewFunc wraps fn as an Adapter for the given role.
func NewFunc(role string, fn func(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error)) *Func {
	return &Func{role: role, fn: fn}
}

// Role returns the adapter's role name.
func (f *Func) Role() string { return f.role }

// Execute invokes the wrapped function.
func (f *Func) Execute(ctx context.Context, task queue.TaskMessage, mem MemoryReader) (string, error) {
	return f.fn(ctx, task, mem)
}
