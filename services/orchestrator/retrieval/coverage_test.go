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

func scopedItem(id, standard string) Item {
	return Item{
		Content: "content of " + id,
		Score:   0.8,
		Metadata: map[string]any{
			"row": map[string]any{
				"id":       id,
				"metadata": map[string]any{"source_standard": standard},
			},
		},
	}
}

func TestMissingScopes(t *testing.T) {
	items := []Item{
		scopedItem("a", "ISO 9001"),
		scopedItem("b", "ISO 9001"),
	}

	missing := missingScopes(items, []string{"ISO 9001", "ISO 27001", "ISO 14001"})
	assert.Equal(t, []string{"ISO 27001", "ISO 14001"}, missing)
}

func TestMissingScopesNormalizesSpacing(t *testing.T) {
	items := []Item{scopedItem("a", "ISO  9001")}
	assert.Empty(t, missingScopes(items, []string{"ISO 9001"}))
}

func TestMissingScopesNoRequestIsNoop(t *testing.T) {
	assert.Nil(t, missingScopes(nil, nil))
}

func TestMissingClauses(t *testing.T) {
	inContent := item("a", 0.8)
	inContent.Content = "La organización debe conservar, según 9.1.2, la información"

	inMeta := scopedItem("b", "ISO 9001")
	row := inMeta.Metadata["row"].(map[string]any)
	row["metadata"].(map[string]any)["clause"] = "4.4.1"

	missing := missingClauses([]Item{inContent, inMeta}, []string{"9.1.2", "4.4", "7.5"})
	assert.Equal(t, []string{"7.5"}, missing)
}

func TestRepairSubqueriesPerMissingScope(t *testing.T) {
	subs := repairSubqueries("satisfacción del cliente", []string{"ISO 27001"}, []string{"9.1.2"})

	require.Len(t, subs, 1)
	assert.Equal(t, "repair-iso-27001", subs[0].ID)
	assert.Equal(t, "ISO 27001", subs[0].Filters["source_standard"])
	assert.Equal(t, "9.1.2", subs[0].Filters["clause"])
	assert.Equal(t, originCoverageRepair, subs[0].Origin)
}

func TestRepairSubqueriesOrphanClauses(t *testing.T) {
	subs := repairSubqueries("seguimiento y medición", nil, []string{"9.1.2", "4.4"})

	require.Len(t, subs, 2)
	assert.Equal(t, "repair-clause-9-1-2", subs[0].ID)
	assert.Contains(t, subs[0].Query, "cláusula 9.1.2")
	assert.Equal(t, "4.4", subs[1].Filters["clause"])
}

func TestStepBackSubqueries(t *testing.T) {
	subs := stepBackSubqueries("controles de acceso", []string{"ISO 27001"})

	require.Len(t, subs, 1)
	assert.Equal(t, "stepback-iso-27001", subs[0].ID)
	assert.Contains(t, subs[0].Query, "principios generales de ISO 27001")
	assert.Equal(t, originStepBack, subs[0].Origin)
}

func TestMergeItemsDeduplicatesKeepingOrder(t *testing.T) {
	base := []Item{item("a", 0.9), item("b", 0.8)}
	extra := []Item{item("b", 0.7), item("c", 0.6)}

	merged := mergeItems(base, extra)

	require.Len(t, merged, 3)
	assert.Equal(t, "content of a", merged[0].Content)
	assert.Equal(t, "content of b", merged[1].Content)
	assert.Equal(t, 0.8, merged[1].Score)
	assert.Equal(t, "content of c", merged[2].Content)
}
