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
	"strings"
)

// Structural section kinds the noise reducer drops unless the query targets
// them explicitly.
var noiseSectionKinds = map[string]bool{
	"index":                   true,
	"toc":                     true,
	"table_of_contents":       true,
	"translation_frontmatter": true,
}

// Query tokens that mean the user wants structural sections.
var structuralQueryTokens = []string{"índice", "indice", "tabla de contenido", "table of contents", "toc"}

// reduceNoise drops items whose row metadata marks them as index, table of
// contents, or translation frontmatter, unless the query asks for such
// sections. Returns the kept items and the number dropped.
func reduceNoise(items []Item, query string) ([]Item, int) {
	lower := strings.ToLower(query)
	for _, tok := range structuralQueryTokens {
		if strings.Contains(lower, tok) {
			return items, 0
		}
	}

	kept := items[:0:0]
	dropped := 0
	for _, it := range items {
		if isStructuralNoise(it) {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	return kept, dropped
}

func isStructuralNoise(it Item) bool {
	row, ok := it.Metadata["row"].(map[string]any)
	if !ok {
		return false
	}
	meta, ok := row["metadata"].(map[string]any)
	if !ok {
		return false
	}
	kind, _ := meta["section_kind"].(string)
	return noiseSectionKinds[strings.ToLower(kind)]
}

// minScoreResult is the outcome of threshold filtering.
type minScoreResult struct {
	kept []Item
	// backstopped is true when every item fell below threshold and the
	// backstop kept the best few; the trace records LOW_SCORE then.
	backstopped bool
	dropped     int
}

// filterMinScore drops items below the profile threshold. When backstop is
// enabled and the filter would drop everything, the top-N dropped items are
// kept as a best-effort result and the degradation is flagged.
func filterMinScore(items []Item, minScore float64, backstop bool, backstopTopN int) minScoreResult {
	if minScore <= 0 || len(items) == 0 {
		return minScoreResult{kept: items}
	}

	kept := make([]Item, 0, len(items))
	var droppedItems []Item
	for _, it := range items {
		if it.Score >= minScore {
			kept = append(kept, it)
		} else {
			droppedItems = append(droppedItems, it)
		}
	}
	if len(kept) > 0 || !backstop {
		return minScoreResult{kept: kept, dropped: len(droppedItems)}
	}

	// Backstop path: all items fell below threshold.
	sort.SliceStable(droppedItems, func(i, j int) bool {
		return droppedItems[i].Score > droppedItems[j].Score
	})
	if backstopTopN <= 0 {
		backstopTopN = 3
	}
	if len(droppedItems) > backstopTopN {
		droppedItems = droppedItems[:backstopTopN]
	}
	return minScoreResult{
		kept:        droppedItems,
		backstopped: true,
		dropped:     len(items) - len(droppedItems),
	}
}
