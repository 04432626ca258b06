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
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id string, score float64) Item {
	return Item{
		Content: "content of " + id,
		Score:   score,
		Metadata: map[string]any{
			"row": map[string]any{"id": id},
		},
	}
}

func TestRRFMergeDeduplicatesAcrossLists(t *testing.T) {
	lists := [][]Item{
		{item("a", 0.9), item("b", 0.8)},
		{item("b", 0.7), item("c", 0.6)},
	}

	merged := rrfMerge(lists, DefaultRRFK, 10)

	require.Len(t, merged, 3)
	// "b" appears in both lists, so it accumulates weight and wins.
	assert.Equal(t, "content of b", merged[0].Content)
	// The best engine score seen for the passage is kept.
	assert.Equal(t, 0.8, merged[0].Score)
}

func TestRRFMergeTieBreaksByKey(t *testing.T) {
	// Same rank in separate lists: identical fused score, key decides.
	lists := [][]Item{
		{item("zzz", 0.5)},
		{item("aaa", 0.5)},
	}

	merged := rrfMerge(lists, DefaultRRFK, 10)

	require.Len(t, merged, 2)
	assert.Equal(t, "content of aaa", merged[0].Content)
}

func TestRRFMergeHonorsTopK(t *testing.T) {
	var list []Item
	for i := 0; i < 30; i++ {
		list = append(list, item(fmt.Sprintf("doc-%02d", i), 0.5))
	}

	merged := rrfMerge([][]Item{list}, DefaultRRFK, 16)
	assert.Len(t, merged, 16)
}

func TestRRFTopKBounds(t *testing.T) {
	assert.Equal(t, 12, rrfTopK(0))
	assert.Equal(t, 12, rrfTopK(8))
	assert.Equal(t, 14, rrfTopK(14))
	assert.Equal(t, 16, rrfTopK(30))
}

func TestItemKeyPrefersRowID(t *testing.T) {
	withID := item("doc-1", 0.5)
	assert.Equal(t, "doc-1", itemKey(withID))

	noID := Item{Source: "norma.pdf", Content: "texto"}
	assert.Equal(t, "norma.pdf|texto", itemKey(noID))

	bare := Item{Content: "texto"}
	assert.Equal(t, "texto", itemKey(bare))
}

// genItemLists builds up to 4 ranked lists over a small id universe so
// cross-list duplicates are common.
func genItemLists() gopter.Gen {
	return gen.SliceOfN(4, gen.SliceOfN(6, gen.IntRange(0, 11))).Map(func(idLists [][]int) [][]Item {
		lists := make([][]Item, len(idLists))
		for i, ids := range idLists {
			seen := make(map[int]bool)
			for _, id := range ids {
				if seen[id] {
					continue
				}
				seen[id] = true
				lists[i] = append(lists[i], item(fmt.Sprintf("doc-%02d", id), float64(id)/12))
			}
		}
		return lists
	})
}

func TestRRFMergeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("merge is deterministic", prop.ForAll(
		func(lists [][]Item) bool {
			first := rrfMerge(lists, DefaultRRFK, 16)
			second := rrfMerge(lists, DefaultRRFK, 16)
			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if itemKey(first[i]) != itemKey(second[i]) {
					return false
				}
			}
			return true
		},
		genItemLists(),
	))

	properties.Property("list order does not change the result", prop.ForAll(
		func(lists [][]Item) bool {
			if len(lists) < 2 {
				return true
			}
			reversed := make([][]Item, len(lists))
			for i := range lists {
				reversed[i] = lists[len(lists)-1-i]
			}
			a := rrfMerge(lists, DefaultRRFK, 16)
			b := rrfMerge(reversed, DefaultRRFK, 16)
			if len(a) != len(b) {
				return false
			}
			for i := range a {
				if itemKey(a[i]) != itemKey(b[i]) {
					return false
				}
			}
			return true
		},
		genItemLists(),
	))

	properties.Property("no duplicate passages in the merge", prop.ForAll(
		func(lists [][]Item) bool {
			merged := rrfMerge(lists, DefaultRRFK, 0)
			seen := make(map[string]bool)
			for _, it := range merged {
				key := itemKey(it)
				if seen[key] {
					return false
				}
				seen[key] = true
			}
			return true
		},
		genItemLists(),
	))

	properties.TestingRun(t)
}
