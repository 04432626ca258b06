// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/retrieval"
)

var retrievalToolTracer = otel.Tracer("cire.orchestrator.tools.semantic_retrieval")

// SemanticRetrievalName is the planner-visible name of the retrieval tool.
const SemanticRetrievalName = "semantic_retrieval"

// BackstopDefaults carries the cluster-level min-score backstop policy.
// Profiles override it per tenant; the zero value disables the backstop.
type BackstopDefaults struct {
	Enabled bool
	TopN    int
}

// SemanticRetrieval runs the multi-strategy retrieval flow against the RAG
// contract and reports evidence, groups, and diagnostics through the tool
// result. Scope rejection is the one condition that escapes as an error so
// the caller can surface the structured violation payload.
type SemanticRetrieval struct {
	flow     *retrieval.Flow
	backstop BackstopDefaults
}

// NewSemanticRetrieval wires the tool around a retrieval flow.
func NewSemanticRetrieval(flow *retrieval.Flow, backstop BackstopDefaults) *SemanticRetrieval {
	return &SemanticRetrieval{flow: flow, backstop: backstop}
}

// Name implements Tool.
func (t *SemanticRetrieval) Name() string { return SemanticRetrievalName }

// Execute implements Tool.
//
// The working query and retrieval plan come from the flow state; a "query"
// argument from the plan step overrides the working query for focused
// re-retrieval. Degraded outcomes stay OK with their codes in the
// diagnostics so the reflect loop can dispatch on them.
func (t *SemanticRetrieval) Execute(ctx context.Context, inv Invocation) (*datatypes.ToolResult, error) {
	ctx, span := retrievalToolTracer.Start(ctx, "SemanticRetrieval.Execute")
	defer span.End()

	query := inv.State.WorkingQuery
	if q, ok := inv.Args["query"].(string); ok && q != "" {
		query = q
	}
	plan := inv.State.RetrievalPlan
	if plan == nil {
		plan = datatypes.DefaultRetrievalPlan(inv.State.Intent.Mode)
	}

	backstopEnabled := inv.Profile.Retrieval.BackstopEnabled || t.backstop.Enabled
	backstopTopN := inv.Profile.Retrieval.BackstopTopN
	if backstopTopN <= 0 {
		backstopTopN = t.backstop.TopN
	}

	mode, _ := inv.Profile.ModeFor(inv.State.Intent.Mode)
	req := retrieval.Request{
		Query:           query,
		Plan:            plan,
		Mode:            mode,
		Router:          inv.Profile.Router,
		Scope:           inv.Scope,
		Filters:         argFilters(inv.Args),
		MinScore:        inv.Profile.Retrieval.MinScore,
		BackstopEnabled: backstopEnabled,
		BackstopTopN:    backstopTopN,
		// Replans accumulate evidence across passes; markers continue the
		// numbering instead of restarting at 1.
		ChunkMarkerOffset:   len(inv.State.Chunks),
		SummaryMarkerOffset: len(inv.State.Summaries),
	}

	outcome := t.flow.Run(ctx, req)
	span.SetAttributes(
		attribute.Int("chunks", len(outcome.Chunks)),
		attribute.Int("summaries", len(outcome.Summaries)),
	)

	result := &datatypes.ToolResult{Tool: SemanticRetrievalName, OK: true}
	switch outcome.Kind {
	case retrieval.OutcomeScopeInvalid:
		recordOutcome(SemanticRetrievalName, nil)
		return nil, outcome.ScopeInvalid

	case retrieval.OutcomeNeedsClarification:
		result.Output = map[string]any{
			"needs_clarification": true,
			"suggested_scopes":    outcome.SuggestedScopes,
		}

	case retrieval.OutcomeDegraded:
		result.Error = outcome.Code
		result.Output = evidenceOutput(outcome)

	default:
		result.Output = evidenceOutput(outcome)
	}
	result.Metadata = map[string]any{"diagnostics": outcome.Diagnostics}

	recordOutcome(SemanticRetrievalName, result)
	return result, nil
}

func evidenceOutput(outcome retrieval.Outcome) map[string]any {
	return map[string]any{
		"chunks":    outcome.Chunks,
		"summaries": outcome.Summaries,
		"groups":    outcome.Groups,
	}
}

// argFilters lifts a {"filters": {"k": "v"}} argument into the contract's
// string map, dropping non-string values.
func argFilters(args map[string]any) map[string]string {
	raw, ok := args["filters"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
