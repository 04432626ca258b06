// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "strings"

// =============================================================================
// Evidence
// =============================================================================

// EvidenceItem is one retrieved unit the generator may cite. Source carries
// the evidence marker ("C1", "R1", ...): prefix C for chunks, R for
// summaries. Metadata nests the contract's "row" record with standard and
// clause fields.
type EvidenceItem struct {
	Source   string         `json:"source"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SourceStandard digs the standard label out of the nested row metadata
// (metadata.row.metadata.source_standard). Returns "" when absent.
func (e EvidenceItem) SourceStandard() string {
	row, ok := e.Metadata["row"].(map[string]any)
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

// MentionsClause reports whether the item anchors the given dotted clause
// reference either in its content or in its row metadata.
func (e EvidenceItem) MentionsClause(clause string) bool {
	if clause == "" {
		return false
	}
	if strings.Contains(e.Content, clause) {
		return true
	}
	row, ok := e.Metadata["row"].(map[string]any)
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

// =============================================================================
// Retrieval Diagnostics
// =============================================================================

// RetrievalTrace is the schema-versioned diagnostic record the retrieval
// flow assembles. ErrorCodes come from the closed retrieval taxonomy.
type RetrievalTrace struct {
	SchemaVersion     int               `json:"schema_version"`
	TimingsMS         map[string]int64  `json:"timings_ms,omitempty"`
	ErrorCodes        []string          `json:"error_codes,omitempty"`
	LayerCounts       map[string]int    `json:"layer_counts,omitempty"`
	AppliedExpansions map[string]string `json:"applied_expansions,omitempty"`
	Subqueries        []Subquery        `json:"subqueries,omitempty"`
	SubqueryTraces    []SubqueryTrace   `json:"subquery_traces,omitempty"`
	MissingScopes     []string          `json:"missing_scopes,omitempty"`
	MissingClauseRefs []string          `json:"missing_clause_refs,omitempty"`
	CoverageGate      *CoverageGate     `json:"coverage_gate,omitempty"`
	// Flags recorded by degradation paths, e.g.
	// multi_query_fallback_early_exit = "no_coverage_improvement".
	Flags map[string]string `json:"flags,omitempty"`
}

// SubqueryTrace records the outcome of one subquery execution.
type SubqueryTrace struct {
	ID        string `json:"id"`
	Query     string `json:"query"`
	ItemCount int    `json:"item_count"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// CoverageGate summarizes the post-retrieval coverage check.
type CoverageGate struct {
	RequestedStandards []string `json:"requested_standards,omitempty"`
	MissingBefore      []string `json:"missing_before,omitempty"`
	MissingAfter       []string `json:"missing_after,omitempty"`
	RepairIssued       bool     `json:"repair_issued"`
	StepBackIssued     bool     `json:"step_back_issued"`
}

// ScopeValidation mirrors the contract's validate-scope response.
type ScopeValidation struct {
	Valid           bool           `json:"valid"`
	Violations      []string       `json:"violations,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	NormalizedScope map[string]any `json:"normalized_scope,omitempty"`
}

// RetrievalDiagnostics is attached to the flow state and to the kernel
// output after every retrieval pass.
type RetrievalDiagnostics struct {
	Contract        string           `json:"contract"`
	Strategy        string           `json:"strategy"`
	Partial         bool             `json:"partial"`
	Trace           *RetrievalTrace  `json:"trace,omitempty"`
	ScopeValidation *ScopeValidation `json:"scope_validation,omitempty"`
}

// Retrieval strategy labels recorded in diagnostics.
const (
	StrategyHybrid             = "hybrid"
	StrategyMultiQuery         = "multi_query"
	StrategyMultiQueryFallback = "multi_query_fallback"
)

// MergeTrace folds a later retrieval pass into an existing diagnostics
// record: counts and codes accumulate, scalars take the latest value.
func (d *RetrievalDiagnostics) MergeTrace(next *RetrievalDiagnostics) {
	if next == nil {
		return
	}
	d.Contract = next.Contract
	d.Strategy = next.Strategy
	d.Partial = d.Partial || next.Partial
	if next.ScopeValidation != nil {
		d.ScopeValidation = next.ScopeValidation
	}
	if next.Trace == nil {
		return
	}
	if d.Trace == nil {
		d.Trace = next.Trace
		return
	}
	d.Trace.ErrorCodes = append(d.Trace.ErrorCodes, next.Trace.ErrorCodes...)
	d.Trace.Subqueries = append(d.Trace.Subqueries, next.Trace.Subqueries...)
	d.Trace.SubqueryTraces = append(d.Trace.SubqueryTraces, next.Trace.SubqueryTraces...)
	d.Trace.MissingScopes = next.Trace.MissingScopes
	d.Trace.MissingClauseRefs = next.Trace.MissingClauseRefs
	d.Trace.CoverageGate = next.Trace.CoverageGate
	for k, v := range next.Trace.TimingsMS {
		if d.Trace.TimingsMS == nil {
			d.Trace.TimingsMS = make(map[string]int64)
		}
		d.Trace.TimingsMS[k] += v
	}
	for k, v := range next.Trace.LayerCounts {
		if d.Trace.LayerCounts == nil {
			d.Trace.LayerCounts = make(map[string]int)
		}
		d.Trace.LayerCounts[k] += v
	}
	for k, v := range next.Trace.Flags {
		if d.Trace.Flags == nil {
			d.Trace.Flags = make(map[string]string)
		}
		d.Trace.Flags[k] = v
	}
	for k, v := range next.Trace.AppliedExpansions {
		if d.Trace.AppliedExpansions == nil {
			d.Trace.AppliedExpansions = make(map[string]string)
		}
		d.Trace.AppliedExpansions[k] = v
	}
}
