// Package resolver reconciles competing agent outputs for a subject key into
// exactly one authoritative result, with a deterministic total order over
// candidates so outcomes never depend on arrival timing.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/inkworks/pressroom/internal/bus"
	"github.com/inkworks/pressroom/internal/memstore"
	"github.com/inkworks/pressroom/internal/queue"
)

// ErrUnresolvable is returned when every candidate is rejected by policy.
// The stage proceeds in degraded mode; never fatal to the run.
var ErrUnresolvable = errors.New("no acceptable candidate")

// Candidate is one agent's contribution for a subject within a stage window.
type Candidate struct {
	TaskID    string
	Role      string
	Status    queue.Status
	ResultRef string
	Attempt   int
	Timestamp time.Time
}

// Outcome is the authoritative result of a resolution.
type Outcome struct {
	Subject    string
	ResultRef  string
	WinnerRole string
	Merged     bool
	ResolvedAt time.Time
}

// Record tracks the candidates for one (run, stage, subject) and its
// resolution. Resolution is terminal; a record reopens only when a new
// conflicting candidate arrives later in the same run.
type Record struct {
	RunID      string
	Stage      string
	Subject    string
	Candidates []Candidate
	Resolved   bool
	Outcome    Outcome
}

// AddCandidate appends a candidate and reopens the record if it was resolved.
func (r *Record) AddCandidate(c Candidate) {
	r.Candidates = append(r.Candidates, c)
	r.Resolved = false
}

// MergeFunc combines non-contradictory candidates into one result reference.
// Candidates arrive best-ranked first. Returning an error falls the
// resolution back to priority ranking.
type MergeFunc func(ctx context.Context, runID, subject string, candidates []Candidate) (resultRef string, err error)

// Resolver applies the configured policy. Resolutions for a given subject are
// serialized through a per-subject lock, so two concurrent resolutions can
// never produce inconsistent authoritative values.
type Resolver struct {
	priorities map[string]int
	merge      MergeFunc
	store      *memstore.Store
	events     *bus.Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMerge installs a merge strategy tried before priority ranking when two
// or more acceptable candidates exist.
func WithMerge(fn MergeFunc) Option {
	return func(r *Resolver) { r.merge = fn }
}

// WithEvents attaches a bus for conflict.detected/resolved events.
func WithEvents(b *bus.Bus) Option {
	return func(r *Resolver) { r.events = b }
}

// New creates a Resolver. priorities maps role name to rank; higher outranks
// lower, and unlisted roles rank zero.
func New(priorities map[string]int, store *memstore.Store, opts ...Option) *Resolver {
	r := &Resolver{
		priorities: priorities,
		store:      store,
		locks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve produces the authoritative outcome for the record, writes it to the
// memory store under the subject key, and closes the record. Re-resolving an
// already-resolved record with the same candidate set returns the stored
// outcome unchanged.
func (r *Resolver) Resolve(ctx context.Context, rec *Record) (Outcome, error) {
	lock := r.subjectLock(rec.RunID + "/" + rec.Subject)
	lock.Lock()
	defer lock.Unlock()

	if rec.Resolved {
		return rec.Outcome, nil
	}

	acceptable := acceptableCandidates(rec.Candidates)
	if len(acceptable) == 0 {
		return Outcome{}, fmt.Errorf("subject %s: %d candidates, none acceptable: %w",
			rec.Subject, len(rec.Candidates), ErrUnresolvable)
	}

	if r.events != nil && len(acceptable) > 1 {
		r.events.Publish(bus.TopicConflictDetected, bus.ConflictEvent{
			RunID:      rec.RunID,
			Stage:      rec.Stage,
			Subject:    rec.Subject,
			Candidates: len(acceptable),
		})
	}

	outcome := Outcome{Subject: rec.Subject, ResolvedAt: time.Now().UTC()}
	winner, merged := r.pick(ctx, rec.RunID, rec.Subject, acceptable)
	outcome.ResultRef = winner.ResultRef
	outcome.WinnerRole = winner.Role
	outcome.Merged = merged

	// The authoritative value is the subject key itself; candidates stay
	// under their per-role result keys.
	if err := r.store.Put(ctx, rec.RunID, rec.Subject, outcome.ResultRef, memstore.TierShortTerm, winner.Role); err != nil {
		return Outcome{}, fmt.Errorf("write authoritative %s: %w", rec.Subject, err)
	}

	rec.Outcome = outcome
	rec.Resolved = true

	if r.events != nil {
		r.events.Publish(bus.TopicConflictResolved, bus.ConflictEvent{
			RunID:      rec.RunID,
			Stage:      rec.Stage,
			Subject:    rec.Subject,
			Candidates: len(acceptable),
			WinnerRole: outcome.WinnerRole,
			Merged:     outcome.Merged,
		})
	}
	return outcome, nil
}

// pick applies the policy: merge when configured and applicable, otherwise
// the top of the deterministic ranking.
func (r *Resolver) pick(ctx context.Context, runID, subject string, acceptable []Candidate) (Candidate, bool) {
	ranked := r.rank(acceptable)
	if r.merge != nil && len(acceptable) > 1 {
		if ref, err := r.merge(ctx, runID, subject, ranked); err == nil {
			top := ranked[0]
			top.ResultRef = ref
			return top, true
		}
		// Merge failure falls back to ranking.
	}
	return ranked[0], false
}

// rank sorts candidates by role priority (desc), then timestamp (desc), then
// task ID (asc) for total determinism.
func (r *Resolver) rank(candidates []Candidate) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		pi, pj := r.priorities[ranked[i].Role], r.priorities[ranked[j].Role]
		if pi != pj {
			return pi > pj
		}
		if !ranked[i].Timestamp.Equal(ranked[j].Timestamp) {
			return ranked[i].Timestamp.After(ranked[j].Timestamp)
		}
		return ranked[i].TaskID < ranked[j].TaskID
	})
	return ranked
}

// acceptableCandidates filters to contributions the policy may select:
// successes and partials. Failures never become authoritative.
func acceptableCandidates(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Status == queue.StatusSuccess || c.Status == queue.StatusPartial {
			out = append(out, c)
		}
	}
	return out
}

func (r *Resolver) subjectLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}
