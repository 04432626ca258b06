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

// =============================================================================
// Intent and Retrieval Plan
// =============================================================================

// QueryIntent is the planner's classification of the user query. Mode values
// are profile-defined (e.g. "literal_normativa", "comparative"); an unknown
// mode falls back to the profile default.
type QueryIntent struct {
	Mode       string  `json:"mode"`
	Rationale  string  `json:"rationale,omitempty"`
	Confidence float64 `json:"confidence"`
}

// RetrievalPlan parameterizes the retrieval flow for one query. It is derived
// from the profile's per-mode retrieval config.
type RetrievalPlan struct {
	Mode                   string   `json:"mode"`
	ChunkK                 int      `json:"chunk_k"`
	ChunkFetchK            int      `json:"chunk_fetch_k"`
	SummaryK               int      `json:"summary_k"`
	RequireLiteralEvidence bool     `json:"require_literal_evidence"`
	AllowInference         bool     `json:"allow_inference"`
	ResponseContract       string   `json:"response_contract,omitempty"`
	RequestedStandards     []string `json:"requested_standards,omitempty"`
}

// DefaultRetrievalPlan returns the generic plan used when a mode has no
// retrieval profile: k=30, fetch_k=120, summary_k=5, no literal requirement.
func DefaultRetrievalPlan(mode string) *RetrievalPlan {
	return &RetrievalPlan{
		Mode:           mode,
		ChunkK:         30,
		ChunkFetchK:    120,
		SummaryK:       5,
		AllowInference: true,
	}
}

// =============================================================================
// Tool Plan
// =============================================================================

// ToolCall is one entry of an ordered tool plan.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

// ToolResult records the outcome of one tool invocation. Error strings come
// from the closed taxonomy in the errors file; Output and Metadata are
// tool-specific payloads.
type ToolResult struct {
	Tool     string         `json:"tool"`
	OK       bool           `json:"ok"`
	Output   map[string]any `json:"output,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// =============================================================================
// Subqueries
// =============================================================================

// Subquery is a focused retrieval call derived from the user query, typically
// scoped to one standard or one clause.
type Subquery struct {
	ID      string            `json:"id"`
	Query   string            `json:"query"`
	K       int               `json:"k,omitempty"`
	FetchK  int               `json:"fetch_k,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	// Origin marks how the subquery was produced: "deterministic", "llm",
	// "coverage_repair", or "step_back".
	Origin string `json:"origin,omitempty"`
}

// SubqueryGroup pairs a subquery with the evidence attributed to it after
// the merge, for grouped map-reduce aggregation.
type SubqueryGroup struct {
	ID    string         `json:"id"`
	Query string         `json:"query"`
	Items []EvidenceItem `json:"items,omitempty"`
}

// PartialAnswer is the per-subquery product of grouped map-reduce
// aggregation. Status is "ok" or "no_evidence".
type PartialAnswer struct {
	ID              string   `json:"id"`
	Query           string   `json:"query"`
	Status          string   `json:"status"`
	EvidenceSources []string `json:"evidence_sources,omitempty"`
	Summary         string   `json:"summary,omitempty"`
}

const (
	PartialStatusOK         = "ok"
	PartialStatusNoEvidence = "no_evidence"
)
