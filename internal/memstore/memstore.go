// Package memstore is the shared memory store for pipeline runs: a bounded
// short-term tier held in process and an optional durable long-term tier.
// Writes are last-writer-wins; callers needing check-then-write semantics
// coordinate through the conflict resolver, not here.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a key. Callers treat
	// it as a normal empty result for optional context.
	ErrNotFound = errors.New("entry not found")

	// ErrStoreUnavailable is returned when the durable tier cannot serve.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Tier selects where an entry lives.
type Tier string

const (
	TierShortTerm Tier = "short-term"
	TierLongTerm  Tier = "long-term"
)

// Entry is one keyed value in the store.
type Entry struct {
	RunID     string
	Key       string
	Value     string
	Tier      Tier
	WrittenBy string
	WrittenAt time.Time
	ExpiresAt *time.Time
}

// LongTermStore is the durable backend for the long-term tier.
// Implemented by *persistence.Store.
type LongTermStore interface {
	PutLongTerm(ctx context.Context, key, value, writtenBy string) error
	GetLongTerm(ctx context.Context, key string) (value, writtenBy string, writtenAt time.Time, err error)
	ListLongTerm(ctx context.Context, prefix string) ([]string, error)
}

// runMem holds one run's short-term entries plus their written order,
// oldest first. Overwrites refresh a key's position.
type runMem struct {
	entries map[string]*Entry
	order   []string
}

// Store is the shared memory store. Safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	runs     map[string]*runMem
	capacity int
	ttl      time.Duration
	long     LongTermStore

	evictions int64
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity bounds short-term entries per run. When exceeded, the
// least-recently-written entry is evicted. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(s *Store) { s.capacity = n }
}

// WithTTL sets a default expiry for short-term entries. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithLongTerm attaches a durable backend for the long-term tier.
func WithLongTerm(lt LongTermStore) Option {
	return func(s *Store) { s.long = lt }
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{runs: make(map[string]*runMem)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put writes an entry, overwriting any existing value for (run, key, tier).
func (s *Store) Put(ctx context.Context, runID, key, value string, tier Tier, writtenBy string) error {
	if key == "" {
		return fmt.Errorf("put: empty key")
	}
	if tier == TierLongTerm {
		if s.long == nil {
			return fmt.Errorf("put %s: no durable tier configured: %w", key, ErrStoreUnavailable)
		}
		if err := s.long.PutLongTerm(ctx, key, value, writtenBy); err != nil {
			return fmt.Errorf("put %s: %w: %v", key, ErrStoreUnavailable, err)
		}
		return nil
	}

	now := time.Now().UTC()
	entry := &Entry{
		RunID:     runID,
		Key:       key,
		Value:     value,
		Tier:      TierShortTerm,
		WrittenBy: writtenBy,
		WrittenAt: now,
	}
	if s.ttl > 0 {
		exp := now.Add(s.ttl)
		entry.ExpiresAt = &exp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.runs[runID]
	if rm == nil {
		rm = &runMem{entries: make(map[string]*Entry)}
		s.runs[runID] = rm
	}
	if _, exists := rm.entries[key]; exists {
		rm.removeFromOrder(key)
	}
	rm.entries[key] = entry
	rm.order = append(rm.order, key)

	// Least-recently-written eviction once capacity is exceeded.
	for s.capacity > 0 && len(rm.entries) > s.capacity {
		oldest := rm.order[0]
		rm.order = rm.order[1:]
		delete(rm.entries, oldest)
		s.evictions++
	}
	return nil
}

// Get returns the current value for (run, key), checking the short-term tier
// first, then the durable tier.
func (s *Store) Get(ctx context.Context, runID, key string) (Entry, error) {
	s.mu.Lock()
	if rm := s.runs[runID]; rm != nil {
		if e, ok := rm.entries[key]; ok {
			if e.ExpiresAt != nil && !time.Now().Before(*e.ExpiresAt) {
				rm.removeFromOrder(key)
				delete(rm.entries, key)
			} else {
				out := *e
				s.mu.Unlock()
				return out, nil
			}
		}
	}
	s.mu.Unlock()

	if s.long != nil {
		value, writtenBy, writtenAt, err := s.long.GetLongTerm(ctx, key)
		if err == nil {
			return Entry{Key: key, Value: value, Tier: TierLongTerm, WrittenBy: writtenBy, WrittenAt: writtenAt}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Entry{}, fmt.Errorf("get %s: %w: %v", key, ErrStoreUnavailable, err)
		}
	}
	return Entry{}, fmt.Errorf("get %s/%s: %w", runID, key, ErrNotFound)
}

// List yields the run's short-term entries whose key has the given prefix,
// ordered by key. The sequence snapshots at iteration start and is
// restartable: ranging again re-reads the store.
func (s *Store) List(runID, prefix string) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		now := time.Now()
		s.mu.Lock()
		var matched []Entry
		if rm := s.runs[runID]; rm != nil {
			for key, e := range rm.entries {
				if !strings.HasPrefix(key, prefix) {
					continue
				}
				if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
					continue
				}
				matched = append(matched, *e)
			}
		}
		s.mu.Unlock()

		sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })
		for _, e := range matched {
			if !yield(e) {
				return
			}
		}
	}
}

// Recent returns up to limit short-term entries for the run, most recently
// written first. This is the bounded recall window.
func (s *Store) Recent(runID string, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.runs[runID]
	if rm == nil {
		return nil
	}
	var out []Entry
	for i := len(rm.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if e, ok := rm.entries[rm.order[i]]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Sweep drops expired short-term entries and returns how many were removed.
func (s *Store) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, rm := range s.runs {
		for key, e := range rm.entries {
			if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
				rm.removeFromOrder(key)
				delete(rm.entries, key)
				removed++
			}
		}
	}
	return removed
}

// EndRun evicts all short-term entries for a run. Long-term entries persist.
func (s *Store) EndRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// Count returns the short-term entry count for a run.
func (s *Store) Count(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm := s.runs[runID]; rm != nil {
		return len(rm.entries)
	}
	return 0
}

// Evictions reports the lifetime count of capacity evictions.
func (s *Store) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

func (rm *runMem) removeFromOrder(key string) {
	for i, k := range rm.order {
		if k == key {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			return
		}
	}
}
