// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements the multi-strategy retrieval flow behind the
// semantic_retrieval tool: subquery planning, fan-out against the RAG
// retrieval contract, reciprocal-rank-fusion merging, coverage repair, and
// score/noise filtering, all under independent stage budgets.
//
// The kernel never embeds or ranks. Everything here orchestrates the HTTP
// retrieval contract that the downstream RAG engine owns.
package retrieval

import (
	"context"
	"strconv"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

// =============================================================================
// Wire Types (retrieval contract)
// =============================================================================

// ScopeContext carries the identity headers every contract request needs.
type ScopeContext struct {
	TenantID      string
	CollectionID  string
	TraceID       string
	CorrelationID string
	RequestID     string
	UserID        string
}

// HybridRequest is the body of POST /api/v1/retrieval/hybrid.
type HybridRequest struct {
	Query        string            `json:"query"`
	TenantID     string            `json:"tenant_id"`
	CollectionID string            `json:"collection_id"`
	K            int               `json:"k"`
	FetchK       int               `json:"fetch_k"`
	Filters      map[string]string `json:"filters,omitempty"`
	Rerank       bool              `json:"rerank"`
	Graph        *GraphOptions     `json:"graph,omitempty"`
}

// GraphOptions bounds graph traversal on the engine side.
type GraphOptions struct {
	MaxHops int `json:"max_hops"`
}

// MultiQueryRequest is the body of POST /api/v1/retrieval/multi-query.
type MultiQueryRequest struct {
	Queries []SubqueryRequest `json:"queries"`
	Merge   MergeOptions      `json:"merge"`
}

// SubqueryRequest is one entry of a multi-query request.
type SubqueryRequest struct {
	ID      string            `json:"id"`
	Query   string            `json:"query"`
	K       int               `json:"k,omitempty"`
	FetchK  int               `json:"fetch_k,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

// MergeOptions selects the engine-side merge strategy.
type MergeOptions struct {
	Strategy string `json:"strategy"`
	RRFK     int    `json:"rrf_k"`
	TopK     int    `json:"top_k"`
}

// ScopeRequest is the body of POST /api/v1/retrieval/validate-scope.
type ScopeRequest struct {
	Query        string            `json:"query"`
	TenantID     string            `json:"tenant_id"`
	CollectionID string            `json:"collection_id"`
	Filters      map[string]string `json:"filters,omitempty"`
}

// Item is one retrieved unit on the wire. The nested row record carries the
// engine's raw content, metadata, and similarity.
type Item struct {
	Source   string         `json:"source"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the common shape of hybrid and multi-query responses.
type Result struct {
	Items      []Item            `json:"items"`
	Trace      map[string]any    `json:"trace,omitempty"`
	Subqueries []SubqueryRequest `json:"subqueries,omitempty"`
	Partial    bool              `json:"partial"`
}

// ScopeResult is the validate-scope response.
type ScopeResult struct {
	Valid           bool           `json:"valid"`
	Violations      []string       `json:"violations,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	NormalizedScope map[string]any `json:"normalized_scope,omitempty"`
	QueryScope      *QueryScope    `json:"query_scope,omitempty"`
}

// QueryScope is the engine's reading of which standards the query targets.
type QueryScope struct {
	RequestedStandards         []string `json:"requested_standards,omitempty"`
	RequiresScopeClarification bool     `json:"requires_scope_clarification"`
	SuggestedScopes            []string `json:"suggested_scopes,omitempty"`
}

// =============================================================================
// Retriever Port
// =============================================================================

// Retriever is the explicit port to the retrieval contract. The HTTP client
// and the in-memory test double both implement it.
//
// RetrieveChunks and RetrieveSummaries hit the hybrid endpoint with
// different layer targets; MultiQuery fans out subqueries with engine-side
// RRF merging; ValidateScope is optional and may return (nil, nil) for
// contracts that do not implement it.
type Retriever interface {
	RetrieveChunks(ctx context.Context, scope ScopeContext, req HybridRequest) (*Result, error)
	RetrieveSummaries(ctx context.Context, scope ScopeContext, req HybridRequest) (*Result, error)
	MultiQuery(ctx context.Context, scope ScopeContext, req MultiQueryRequest) (*Result, error)
	ValidateScope(ctx context.Context, scope ScopeContext, req ScopeRequest) (*ScopeResult, error)
}

// toEvidence converts wire items to evidence with fresh markers. Prefix "C"
// for chunks, "R" for summaries; numbering continues from offset so markers
// stay unique across retrieval passes.
func toEvidence(items []Item, prefix string, offset int) []datatypes.EvidenceItem {
	out := make([]datatypes.EvidenceItem, 0, len(items))
	for i, it := range items {
		out = append(out, datatypes.EvidenceItem{
			Source:   prefix + strconv.Itoa(offset+i+1),
			Content:  it.Content,
			Score:    it.Score,
			Metadata: it.Metadata,
		})
	}
	return out
}
