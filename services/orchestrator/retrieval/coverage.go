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
	"strings"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

// =============================================================================
// Coverage Gate
// =============================================================================

// itemStandard extracts metadata.row.metadata.source_standard from a wire
// item, "" when absent.
func itemStandard(it Item) string {
	row, ok := it.Metadata["row"].(map[string]any)
	if !ok {
		return ""
	}
	meta, ok := row["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	std, _ := meta["source_standard"].(string)
	return std
}

// itemMentionsClause reports whether the item anchors a clause in its
// content or row metadata.
func itemMentionsClause(it Item, clause string) bool {
	if strings.Contains(it.Content, clause) {
		return true
	}
	row, ok := it.Metadata["row"].(map[string]any)
	if !ok {
		return false
	}
	meta, ok := row["metadata"].(map[string]any)
	if !ok {
		return false
	}
	for _, key := range []string{"clause", "clause_ref", "section"} {
		if v, _ := meta[key].(string); v != "" && strings.Contains(v, clause) {
			return true
		}
	}
	return false
}

// missingScopes returns the requested standards absent from the item set,
// in request order. With zero requested standards this is a no-op.
func missingScopes(items []Item, standards []string) []string {
	if len(standards) == 0 {
		return nil
	}
	present := make(map[string]bool)
	for _, it := range items {
		if std := itemStandard(it); std != "" {
			present[normalizeScope(std)] = true
		}
	}
	var out []string
	for _, std := range standards {
		if !present[normalizeScope(std)] {
			out = append(out, std)
		}
	}
	return out
}

// missingClauses returns the query's clause references absent from every
// item's content and metadata.
func missingClauses(items []Item, clauses []string) []string {
	var out []string
	for _, clause := range clauses {
		found := false
		for _, it := range items {
			if itemMentionsClause(it, clause) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, clause)
		}
	}
	return out
}

// repairSubqueries synthesizes focused subqueries for the remaining gaps:
// one per missing scope (with clause filter when a clause is also missing)
// and one per orphan missing clause.
func repairSubqueries(query string, missScopes, missClauses []string) []datatypes.Subquery {
	var out []datatypes.Subquery
	clause := ""
	if len(missClauses) > 0 {
		clause = missClauses[0]
	}
	for _, std := range missScopes {
		filters := map[string]string{"source_standard": std}
		if clause != "" {
			filters["clause"] = clause
		}
		out = append(out, datatypes.Subquery{
			ID:      "repair-" + slug(std),
			Query:   query,
			Filters: filters,
			Origin:  originCoverageRepair,
		})
	}
	if len(missScopes) == 0 {
		for _, c := range missClauses {
			out = append(out, datatypes.Subquery{
				ID:      "repair-clause-" + slug(c),
				Query:   query + " cláusula " + c,
				Filters: map[string]string{"clause": c},
				Origin:  originCoverageRepair,
			})
		}
	}
	return out
}

// stepBackSubqueries issues general-principles queries for scopes that are
// still missing after focused repair.
func stepBackSubqueries(query string, missScopes []string) []datatypes.Subquery {
	var out []datatypes.Subquery
	for _, std := range missScopes {
		out = append(out, datatypes.Subquery{
			ID:      "stepback-" + slug(std),
			Query:   "principios generales de " + std + " aplicables a: " + query,
			Filters: map[string]string{"source_standard": std},
			Origin:  originStepBack,
		})
	}
	return out
}

// mergeItems appends new items, deduplicating by passage key while keeping
// first-seen order.
func mergeItems(base, extra []Item) []Item {
	seen := make(map[string]bool, len(base))
	for _, it := range base {
		seen[itemKey(it)] = true
	}
	for _, it := range extra {
		key := itemKey(it)
		if !seen[key] {
			seen[key] = true
			base = append(base, it)
		}
	}
	return base
}
