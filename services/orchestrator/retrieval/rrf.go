// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"sort"
)

// DefaultRRFK is the rank smoothing constant for reciprocal-rank fusion.
const DefaultRRFK = 60

// rrfMerge combines multiple ranked lists by summing 1/(rrfK + rank) per
// item. Items are identified by content key (engine id when present in the
// row, else content text), so the same passage surfaced by two subqueries
// accumulates weight instead of duplicating.
//
// The merge is deterministic: ties break by key, and reordering input lists
// with identical contents yields the same top-k. Results read from the fixed
// result slice, never from channel arrival order.
func rrfMerge(lists [][]Item, rrfK, topK int) []Item {
	if rrfK <= 0 {
		rrfK = DefaultRRFK
	}

	type fused struct {
		item  Item
		score float64
		key   string
	}
	byKey := make(map[string]*fused)

	for _, list := range lists {
		for rank, it := range list {
			key := itemKey(it)
			f, ok := byKey[key]
			if !ok {
				f = &fused{item: it, key: key}
				byKey[key] = f
			}
			f.score += 1.0 / float64(rrfK+rank+1)
			// Keep the best engine score seen for the passage.
			if it.Score > f.item.Score {
				f.item = it
			}
		}
	}

	merged := make([]*fused, 0, len(byKey))
	for _, f := range byKey {
		merged = append(merged, f)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].key < merged[j].key
	})

	if topK > 0 && len(merged) > topK {
		merged = merged[:topK]
	}
	out := make([]Item, len(merged))
	for i, f := range merged {
		out[i] = f.item
	}
	return out
}

// itemKey identifies a passage across subquery result lists.
func itemKey(it Item) string {
	if row, ok := it.Metadata["row"].(map[string]any); ok {
		if id, _ := row["id"].(string); id != "" {
			return id
		}
	}
	if it.Source != "" {
		return it.Source + "|" + it.Content
	}
	return it.Content
}

// rrfTopK picks the multi-query merge size: min(16, max(12, k)).
func rrfTopK(k int) int {
	n := k
	if n < 12 {
		n = 12
	}
	if n > 16 {
		n = 16
	}
	return n
}
