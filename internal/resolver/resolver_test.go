package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/inkworks/pressroom/internal/bus"
	"github.com/inkworks/pressroom/internal/memstore"
	"github.com/inkworks/pressroom/internal/queue"
)

func cand(taskID, role string, status queue.Status, ts time.Time) Candidate {
	return Candidate{
		TaskID:    taskID,
		Role:      role,
		Status:    status,
		ResultRef: "results/" + role,
		Attempt:   1,
		Timestamp: ts,
	}
}

func TestResolve_SingleCandidate(t *testing.T) {
	store := memstore.New()
	r := New(nil, store)
	rec := &Record{
		RunID:      "run-1",
		Stage:      "researching",
		Subject:    "background",
		Candidates: []Candidate{cand("t1", "researcher", queue.StatusSuccess, time.Now())},
	}

	out, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.WinnerRole != "researcher" || out.ResultRef != "results/researcher" {
		t.Fatalf("outcome = %+v", out)
	}

	// Idempotent: repeat returns the stored outcome unchanged.
	again, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if again != out {
		t.Fatalf("re-resolve = %+v, want %+v", again, out)
	}

	// Authoritative value landed under the subject key.
	e, err := store.Get(context.Background(), "run-1", "background")
	if err != nil {
		t.Fatalf("get authoritative: %v", err)
	}
	if e.Value != "results/researcher" {
		t.Fatalf("authoritative = %q", e.Value)
	}
}

func TestResolve_PriorityRanking(t *testing.T) {
	now := time.Now()
	priorities := map[string]int{"editor": 10, "writer": 5}
	candidates := []Candidate{
		cand("t1", "writer", queue.StatusSuccess, now.Add(time.Minute)), // newer but lower rank
		cand("t2", "editor", queue.StatusSuccess, now),
	}

	// Resolver output is independent of arrival order.
	for i := 0; i < 2; i++ {
		store := memstore.New()
		r := New(priorities, store)
		cs := make([]Candidate, len(candidates))
		copy(cs, candidates)
		if i == 1 {
			cs[0], cs[1] = cs[1], cs[0]
		}
		rec := &Record{RunID: "run-1", Stage: "editing", Subject: "tone", Candidates: cs}
		out, err := r.Resolve(context.Background(), rec)
		if err != nil {
			t.Fatalf("resolve (order %d): %v", i, err)
		}
		if out.WinnerRole != "editor" {
			t.Fatalf("order %d: winner = %q, want editor", i, out.WinnerRole)
		}
	}
}

func TestResolve_TimestampThenTaskIDTieBreak(t *testing.T) {
	now := time.Now()
	store := memstore.New()
	r := New(map[string]int{"a": 1, "b": 1}, store)

	// Equal priority: newer timestamp wins.
	rec := &Record{RunID: "run-1", Stage: "writing", Subject: "draft", Candidates: []Candidate{
		cand("t1", "a", queue.StatusSuccess, now),
		cand("t2", "b", queue.StatusSuccess, now.Add(time.Second)),
	}}
	out, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.WinnerRole != "b" {
		t.Fatalf("winner = %q, want b (newer)", out.WinnerRole)
	}

	// Equal priority and timestamp: lowest task ID wins.
	rec2 := &Record{RunID: "run-1", Stage: "writing", Subject: "outline", Candidates: []Candidate{
		cand("t9", "a", queue.StatusSuccess, now),
		cand("t2", "b", queue.StatusSuccess, now),
	}}
	out2, err := r.Resolve(context.Background(), rec2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out2.WinnerRole != "b" {
		t.Fatalf("winner = %q, want b (task t2)", out2.WinnerRole)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	now := time.Unix(1750000000, 0)
	priorities := map[string]int{"editor": 3, "seo": 2, "writer": 1}
	build := func() *Record {
		return &Record{RunID: "run-1", Stage: "optimizing", Subject: "keywords", Candidates: []Candidate{
			cand("t1", "writer", queue.StatusSuccess, now.Add(3*time.Second)),
			cand("t2", "seo", queue.StatusPartial, now.Add(2*time.Second)),
			cand("t3", "editor", queue.StatusSuccess, now.Add(1*time.Second)),
		}}
	}

	var first Outcome
	for i := 0; i < 5; i++ {
		r := New(priorities, memstore.New())
		out, err := r.Resolve(context.Background(), build())
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		out.ResolvedAt = time.Time{}
		if i == 0 {
			first = out
			continue
		}
		if out != first {
			t.Fatalf("resolution %d = %+v, want %+v", i, out, first)
		}
	}
	if first.WinnerRole != "editor" {
		t.Fatalf("winner = %q, want editor", first.WinnerRole)
	}
}

func TestResolve_FailuresNeverWin(t *testing.T) {
	now := time.Now()
	store := memstore.New()
	r := New(map[string]int{"editor": 10}, store)
	rec := &Record{RunID: "run-1", Stage: "editing", Subject: "tone", Candidates: []Candidate{
		cand("t1", "editor", queue.StatusFailure, now.Add(time.Minute)),
		cand("t2", "writer", queue.StatusSuccess, now),
	}}

	out, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.WinnerRole != "writer" {
		t.Fatalf("winner = %q, want writer (editor failed)", out.WinnerRole)
	}
}

func TestResolve_AllRejected(t *testing.T) {
	r := New(nil, memstore.New())
	rec := &Record{RunID: "run-1", Stage: "editing", Subject: "tone", Candidates: []Candidate{
		cand("t1", "editor", queue.StatusFailure, time.Now()),
	}}
	_, err := r.Resolve(context.Background(), rec)
	if !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("err = %v, want ErrUnresolvable", err)
	}
	if rec.Resolved {
		t.Fatal("record must stay open after failed resolution")
	}
}

func TestResolve_MergeStrategy(t *testing.T) {
	store := memstore.New()
	merge := func(_ context.Context, _, subject string, candidates []Candidate) (string, error) {
		return fmt.Sprintf("merged/%s/%d", subject, len(candidates)), nil
	}
	r := New(map[string]int{"editor": 2, "writer": 1}, store, WithMerge(merge))
	rec := &Record{RunID: "run-1", Stage: "editing", Subject: "tone", Candidates: []Candidate{
		cand("t1", "writer", queue.StatusSuccess, time.Now()),
		cand("t2", "editor", queue.StatusSuccess, time.Now()),
	}}

	out, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !out.Merged || out.ResultRef != "merged/tone/2" {
		t.Fatalf("outcome = %+v, want merged", out)
	}
	// Top-ranked role is still attributed.
	if out.WinnerRole != "editor" {
		t.Fatalf("winner = %q, want editor", out.WinnerRole)
	}
}

func TestResolve_MergeFailureFallsBack(t *testing.T) {
	store := memstore.New()
	merge := func(context.Context, string, string, []Candidate) (string, error) {
		return "", errors.New("contradictory fields")
	}
	r := New(map[string]int{"editor": 2, "writer": 1}, store, WithMerge(merge))
	rec := &Record{RunID: "run-1", Stage: "editing", Subject: "tone", Candidates: []Candidate{
		cand("t1", "writer", queue.StatusSuccess, time.Now()),
		cand("t2", "editor", queue.StatusSuccess, time.Now()),
	}}

	out, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Merged || out.WinnerRole != "editor" {
		t.Fatalf("outcome = %+v, want editor via ranking", out)
	}
}

func TestResolve_SingleCandidateSkipsMerge(t *testing.T) {
	called := false
	merge := func(context.Context, string, string, []Candidate) (string, error) {
		called = true
		return "merged", nil
	}
	r := New(nil, memstore.New(), WithMerge(merge))
	rec := &Record{RunID: "run-1", Stage: "researching", Subject: "background", Candidates: []Candidate{
		cand("t1", "researcher", queue.StatusSuccess, time.Now()),
	}}
	out, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if called || out.Merged {
		t.Fatalf("merge applied to a single candidate: %+v", out)
	}
}

func TestResolve_ReopenOnNewCandidate(t *testing.T) {
	store := memstore.New()
	r := New(map[string]int{"editor": 2, "writer": 1}, store)
	rec := &Record{RunID: "run-1", Stage: "editing", Subject: "tone", Candidates: []Candidate{
		cand("t1", "writer", queue.StatusSuccess, time.Now()),
	}}

	out, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.WinnerRole != "writer" {
		t.Fatalf("winner = %q", out.WinnerRole)
	}

	// A later conflicting candidate reopens the record.
	rec.AddCandidate(cand("t2", "editor", queue.StatusSuccess, time.Now()))
	out2, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if out2.WinnerRole != "editor" {
		t.Fatalf("winner after reopen = %q, want editor", out2.WinnerRole)
	}
}

func TestResolve_PublishesEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("conflict.")
	defer b.Unsubscribe(sub)

	r := New(map[string]int{"editor": 2, "writer": 1}, memstore.New(), WithEvents(b))
	rec := &Record{RunID: "run-1", Stage: "editing", Subject: "tone", Candidates: []Candidate{
		cand("t1", "writer", queue.StatusSuccess, time.Now()),
		cand("t2", "editor", queue.StatusSuccess, time.Now()),
	}}
	if _, err := r.Resolve(context.Background(), rec); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	topics := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			topics[ev.Topic] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for conflict events")
		}
	}
	if !topics[bus.TopicConflictDetected] || !topics[bus.TopicConflictResolved] {
		t.Fatalf("topics = %v", topics)
	}
}
