package resolver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inkworks/pressroom/internal/memstore"
)

// StrategyFor maps a configured merge strategy name to a MergeFunc.
// "prefer" resolves purely by ranking (no merge); "merge-fields" overlays
// candidate JSON objects so the best-ranked candidate's fields win.
func StrategyFor(name string, store *memstore.Store) (MergeFunc, error) {
	switch name {
	case "", "prefer":
		return nil, nil
	case "merge-fields":
		return mergeFields(store), nil
	default:
		return nil, fmt.Errorf("unknown merge strategy %q (supported: prefer, merge-fields)", name)
	}
}

// mergeFields reads each candidate's result document and overlays their
// top-level fields, worst-ranked first, writing the merged document under a
// dedicated key. Any non-object result aborts the merge and the resolution
// falls back to ranking.
func mergeFields(store *memstore.Store) MergeFunc {
	return func(ctx context.Context, runID, subject string, candidates []Candidate) (string, error) {
		merged := make(map[string]json.RawMessage)
		for i := len(candidates) - 1; i >= 0; i-- {
			entry, err := store.Get(ctx, runID, candidates[i].ResultRef)
			if err != nil {
				return "", fmt.Errorf("read candidate %s: %w", candidates[i].ResultRef, err)
			}
			var fields map[string]json.RawMessage
			if err := json.Unmarshal([]byte(entry.Value), &fields); err != nil {
				return "", fmt.Errorf("candidate %s is not a JSON object: %w", candidates[i].ResultRef, err)
			}
			for k, v := range fields {
				merged[k] = v
			}
		}
		doc, err := json.Marshal(merged)
		if err != nil {
			return "", fmt.Errorf("marshal merged document: %w", err)
		}
		key := "merged/" + subject
		if err := store.Put(ctx, runID, key, string(doc), memstore.TierShortTerm, "resolver"); err != nil {
			return "", fmt.Errorf("write merged document: %w", err)
		}
		return key, nil
	}
}
