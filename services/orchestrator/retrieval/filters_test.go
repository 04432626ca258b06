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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noisyItem(id, kind string) Item {
	return Item{
		Content: "content of " + id,
		Score:   0.5,
		Metadata: map[string]any{
			"row": map[string]any{
				"id":       id,
				"metadata": map[string]any{"section_kind": kind},
			},
		},
	}
}

func TestReduceNoiseDropsStructuralSections(t *testing.T) {
	items := []Item{
		noisyItem("a", "body"),
		noisyItem("b", "toc"),
		noisyItem("c", "index"),
		noisyItem("d", "translation_frontmatter"),
		item("e", 0.5), // no section metadata at all
	}

	kept, dropped := reduceNoise(items, "requisitos de auditoría interna")

	assert.Equal(t, 3, dropped)
	require.Len(t, kept, 2)
	assert.Equal(t, "content of a", kept[0].Content)
	assert.Equal(t, "content of e", kept[1].Content)
}

func TestReduceNoiseKeepsStructureWhenAskedFor(t *testing.T) {
	items := []Item{noisyItem("a", "toc"), noisyItem("b", "index")}

	kept, dropped := reduceNoise(items, "muéstrame el índice de la norma")

	assert.Zero(t, dropped)
	assert.Len(t, kept, 2)
}

func TestFilterMinScoreDropsBelowThreshold(t *testing.T) {
	items := []Item{item("hi", 0.9), item("mid", 0.75), item("lo", 0.4)}

	res := filterMinScore(items, 0.75, true, 3)

	assert.False(t, res.backstopped)
	assert.Equal(t, 1, res.dropped)
	require.Len(t, res.kept, 2)
}

func TestFilterMinScoreBackstopKeepsBestFew(t *testing.T) {
	items := []Item{item("a", 0.3), item("b", 0.6), item("c", 0.1), item("d", 0.5)}

	res := filterMinScore(items, 0.75, true, 2)

	assert.True(t, res.backstopped)
	require.Len(t, res.kept, 2)
	assert.Equal(t, "content of b", res.kept[0].Content)
	assert.Equal(t, "content of d", res.kept[1].Content)
	assert.Equal(t, 2, res.dropped)
}

func TestFilterMinScoreNoBackstopReturnsEmpty(t *testing.T) {
	items := []Item{item("a", 0.3)}

	res := filterMinScore(items, 0.75, false, 3)

	assert.Empty(t, res.kept)
	assert.Equal(t, 1, res.dropped)
}

func TestFilterMinScoreZeroThresholdPassesThrough(t *testing.T) {
	items := []Item{item("a", 0.0), item("b", 0.1)}

	res := filterMinScore(items, 0, true, 3)

	assert.Len(t, res.kept, 2)
	assert.Zero(t, res.dropped)
}
