// Command lease_chaos verifies queue lease recovery: a consumer that
// dequeues and dies without acking must not lose the message. Every task is
// eventually redelivered to a healthy consumer and the redelivery counter
// matches the number of dropped leases.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/inkworks/pressroom/internal/queue"
)

func main() {
	tasks := flag.Int("tasks", 20, "tasks to push through the chaos consumer")
	lease := flag.Duration("lease", 200*time.Millisecond, "ack lease duration")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	q := queue.New(queue.WithLease(*lease))
	const dest = "chaos-role"

	for i := 0; i < *tasks; i++ {
		task := queue.TaskMessage{
			ID:      fmt.Sprintf("chaos-%d", i),
			RunID:   "run_chaos_00000000",
			Stage:   "Writing",
			Role:    dest,
			Subject: "draft",
			Attempt: 1,
		}
		if _, err := q.EnqueueTask(dest, task); err != nil {
			fail("enqueue %d: %v", i, err)
		}
	}

	// First delivery crashes: dequeue, never ack. The lease must bring every
	// message back.
	dropped := 0
	for i := 0; i < *tasks; i++ {
		env, err := q.Dequeue(ctx, dest, *timeout)
		if err != nil {
			fail("chaos dequeue %d: %v", i, err)
		}
		if env.Redelivered {
			// Lease already expired on an earlier drop; ack to make progress.
			q.Ack(env.ID)
			continue
		}
		dropped++
	}

	// Healthy consumer drains the redeliveries.
	seen := make(map[string]bool)
	deadline := time.Now().Add(*timeout)
	for len(seen) < dropped && time.Now().Before(deadline) {
		env, err := q.Dequeue(ctx, dest, time.Second)
		if err != nil {
			continue
		}
		if env.Task == nil {
			fail("expected task envelope, got completion")
		}
		if !env.Redelivered {
			fail("task %s delivered fresh after a dropped lease", env.Task.ID)
		}
		seen[env.Task.ID] = true
		q.Ack(env.ID)
	}
	if len(seen) < dropped {
		fail("recovered %d of %d dropped tasks before timeout", len(seen), dropped)
	}

	_, _, redelivered := q.Stats()
	if redelivered < int64(dropped) {
		fail("redelivered counter = %d, want >= %d", redelivered, dropped)
	}

	fmt.Printf("PASS: %d dropped leases, %d redeliveries, all tasks recovered\n", dropped, redelivered)
	os.Exit(0)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
