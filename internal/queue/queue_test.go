package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func task(id, role string) TaskMessage {
	return TaskMessage{ID: id, RunID: "run-1", Stage: "researching", Role: role, Subject: "background", Attempt: 1, CreatedAt: time.Now()}
}

func TestQueue_FIFOPerDestination(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		if _, err := q.EnqueueTask("researcher", task(fmt.Sprintf("t%d", i), "researcher")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		env, err := q.Dequeue(context.Background(), "researcher", time.Second)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		want := fmt.Sprintf("t%d", i)
		if env.Task == nil || env.Task.ID != want {
			t.Fatalf("dequeue %d: task = %+v, want id %s", i, env.Task, want)
		}
		if !q.Ack(env.ID) {
			t.Fatalf("ack %d failed", i)
		}
	}
}

func TestQueue_CapacityBackpressure(t *testing.T) {
	q := New(WithCapacity(2))
	if _, err := q.EnqueueTask("writer", task("t1", "writer")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.EnqueueTask("writer", task("t2", "writer")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err := q.EnqueueTask("writer", task("t3", "writer"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := q.Rejects(); got != 1 {
		t.Fatalf("Rejects() = %d, want 1", got)
	}

	// Other destinations are unaffected.
	if _, err := q.EnqueueTask("editor", task("t4", "editor")); err != nil {
		t.Fatalf("other destination: %v", err)
	}
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := New()
	start := time.Now()
	_, err := q.Dequeue(context.Background(), "empty", 150*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("returned after %v, want >= 150ms", elapsed)
	}
}

func TestQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := New()
	done := make(chan Envelope, 1)
	go func() {
		env, err := q.Dequeue(context.Background(), "researcher", 5*time.Second)
		if err != nil {
			return
		}
		done <- env
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := q.EnqueueTask("researcher", task("t1", "researcher")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case env := <-done:
		if env.Task.ID != "t1" {
			t.Fatalf("task id = %q, want t1", env.Task.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestQueue_LeaseRedelivery(t *testing.T) {
	q := New(WithLease(50 * time.Millisecond))
	if _, err := q.EnqueueTask("researcher", task("t1", "researcher")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	env, err := q.Dequeue(context.Background(), "researcher", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	// Never acked: lease expires and the message is redelivered.
	env2, err := q.Dequeue(context.Background(), "researcher", time.Second)
	if err != nil {
		t.Fatalf("redelivery dequeue: %v", err)
	}
	if env2.Task.ID != "t1" || !env2.Redelivered {
		t.Fatalf("redelivered = %+v, want task t1 with Redelivered=true", env2)
	}
	if env.ID != env2.ID {
		t.Fatalf("redelivery changed envelope id: %s -> %s", env.ID, env2.ID)
	}
	if !q.Ack(env2.ID) {
		t.Fatal("ack of redelivered lease failed")
	}
	// A second ack has nothing to release.
	if q.Ack(env2.ID) {
		t.Fatal("double ack succeeded")
	}
}

func TestQueue_AckStopsRedelivery(t *testing.T) {
	q := New(WithLease(30 * time.Millisecond))
	if _, err := q.EnqueueTask("researcher", task("t1", "researcher")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env, err := q.Dequeue(context.Background(), "researcher", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !q.Ack(env.ID) {
		t.Fatal("ack failed")
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := q.Dequeue(context.Background(), "researcher", 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout after ack, got %v", err)
	}
}

func TestQueue_ExtendRenewsLease(t *testing.T) {
	q := New(WithLease(100 * time.Millisecond))
	if _, err := q.EnqueueTask("researcher", task("t1", "researcher")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env, err := q.Dequeue(context.Background(), "researcher", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Heartbeat past the original lease expiry: the message must stay
	// leased, not reclaimed.
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		if !q.Extend(env.ID) {
			t.Fatalf("extend %d failed while inflight", i)
		}
	}
	if _, err := q.Dequeue(context.Background(), "researcher", 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("extended lease was reclaimed: %v", err)
	}
	if !q.Ack(env.ID) {
		t.Fatal("ack after extension failed")
	}
	if q.Extend(env.ID) {
		t.Fatal("extend succeeded after ack")
	}
}

func TestQueue_ExpiredReclaimOrderedByEnqueue(t *testing.T) {
	q := New(WithLease(40 * time.Millisecond))
	for i := 0; i < 3; i++ {
		if _, err := q.EnqueueTask("researcher", task(fmt.Sprintf("t%d", i), "researcher")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		// Distinct enqueue timestamps.
		time.Sleep(2 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		if _, err := q.Dequeue(context.Background(), "researcher", time.Second); err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
	}

	// All three leases expire together; redelivery must follow original
	// enqueue order.
	time.Sleep(80 * time.Millisecond)
	for i := 0; i < 3; i++ {
		env, err := q.Dequeue(context.Background(), "researcher", time.Second)
		if err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
		want := fmt.Sprintf("t%d", i)
		if env.Task.ID != want || !env.Redelivered {
			t.Fatalf("redelivery %d: task = %s redelivered=%t, want %s true", i, env.Task.ID, env.Redelivered, want)
		}
		q.Ack(env.ID)
	}
}

func TestQueue_PurgeRun(t *testing.T) {
	q := New()
	if _, err := q.EnqueueTask("writer", TaskMessage{ID: "t1", RunID: "run-1", Stage: "writing", Role: "writer", Subject: "draft", Attempt: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.EnqueueTask("writer", TaskMessage{ID: "t2", RunID: "run-2", Stage: "writing", Role: "writer", Subject: "draft", Attempt: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.EnqueueCompletion(CompletionDestination("run-1"), CompletionMessage{TaskID: "t1", RunID: "run-1", Status: StatusSuccess}); err != nil {
		t.Fatalf("enqueue completion: %v", err)
	}

	if n := q.PurgeRun("run-1"); n != 2 {
		t.Fatalf("PurgeRun = %d, want 2", n)
	}

	// Other runs' tasks on the shared role destination survive.
	env, err := q.Dequeue(context.Background(), "writer", time.Second)
	if err != nil {
		t.Fatalf("dequeue survivor: %v", err)
	}
	if env.Task.RunID != "run-2" {
		t.Fatalf("survivor run = %s, want run-2", env.Task.RunID)
	}
	if d := q.Depth(CompletionDestination("run-1")); d != 0 {
		t.Fatalf("completion destination depth = %d, want 0", d)
	}
}

func TestQueue_CompletionRouting(t *testing.T) {
	q := New()
	comp := CompletionMessage{TaskID: "t1", RunID: "run-1", Role: "researcher", Subject: "background", Status: StatusSuccess, Timestamp: time.Now()}
	if _, err := q.EnqueueCompletion("scheduler/run-1", comp); err != nil {
		t.Fatalf("enqueue completion: %v", err)
	}

	env, err := q.Dequeue(context.Background(), "scheduler/run-1", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if env.Completion == nil || env.Completion.Status != StatusSuccess {
		t.Fatalf("completion = %+v, want success", env.Completion)
	}
}

func TestQueue_EnvelopeValidation(t *testing.T) {
	q := New()
	if _, err := q.enqueue(Envelope{Destination: "x"}); err == nil {
		t.Fatal("expected error for empty envelope")
	}
	if _, err := q.EnqueueTask("", task("t1", "r")); err == nil {
		t.Fatal("expected error for empty destination")
	}
}

func TestQueue_DepthCounters(t *testing.T) {
	q := New()
	for i := 0; i < 3; i++ {
		if _, err := q.EnqueueTask("writer", task(fmt.Sprintf("t%d", i), "writer")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if d := q.Depth("writer"); d != 3 {
		t.Fatalf("depth = %d, want 3", d)
	}
	env, err := q.Dequeue(context.Background(), "writer", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	q.Ack(env.ID)
	if d := q.Depth("writer"); d != 2 {
		t.Fatalf("depth after dequeue = %d, want 2", d)
	}
	enq, deq, _ := q.Stats()
	if enq != 3 || deq != 1 {
		t.Fatalf("stats = (%d, %d), want (3, 1)", enq, deq)
	}
}

func TestQueue_Purge(t *testing.T) {
	q := New()
	for i := 0; i < 3; i++ {
		if _, err := q.EnqueueTask("scheduler/run-1", task(fmt.Sprintf("t%d", i), "r")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if n := q.Purge("scheduler/run-1"); n != 3 {
		t.Fatalf("purged = %d, want 3", n)
	}
	if d := q.Depth("scheduler/run-1"); d != 0 {
		t.Fatalf("depth after purge = %d, want 0", d)
	}
}

func TestQueue_ContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := q.Dequeue(ctx, "empty", 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
