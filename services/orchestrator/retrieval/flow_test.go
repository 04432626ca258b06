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
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

// fakeRetriever is the in-memory test double for the retrieval contract.
// Unset handlers return empty results; call counters are atomic because
// legacy-mode fan-out runs handlers concurrently.
type fakeRetriever struct {
	chunksFn    func(HybridRequest) (*Result, error)
	summariesFn func(HybridRequest) (*Result, error)
	multiFn     func(MultiQueryRequest) (*Result, error)
	scopeFn     func(ScopeRequest) (*ScopeResult, error)

	chunkCalls   atomic.Int32
	summaryCalls atomic.Int32
	multiCalls   atomic.Int32
}

func (f *fakeRetriever) RetrieveChunks(_ context.Context, _ ScopeContext, req HybridRequest) (*Result, error) {
	f.chunkCalls.Add(1)
	if f.chunksFn == nil {
		return &Result{}, nil
	}
	return f.chunksFn(req)
}

func (f *fakeRetriever) RetrieveSummaries(_ context.Context, _ ScopeContext, req HybridRequest) (*Result, error) {
	f.summaryCalls.Add(1)
	if f.summariesFn == nil {
		return &Result{}, nil
	}
	return f.summariesFn(req)
}

func (f *fakeRetriever) MultiQuery(_ context.Context, _ ScopeContext, req MultiQueryRequest) (*Result, error) {
	f.multiCalls.Add(1)
	if f.multiFn == nil {
		return &Result{}, nil
	}
	return f.multiFn(req)
}

func (f *fakeRetriever) ValidateScope(_ context.Context, _ ScopeContext, req ScopeRequest) (*ScopeResult, error) {
	if f.scopeFn == nil {
		return nil, nil
	}
	return f.scopeFn(req)
}

func flowRequest(query string, standards []string) Request {
	plan := datatypes.DefaultRetrievalPlan("explanatory")
	plan.RequestedStandards = standards
	return Request{
		Query:           query,
		Plan:            plan,
		Router:          testRouter(),
		MinScore:        0.6,
		BackstopEnabled: true,
		BackstopTopN:    3,
	}
}

func scopedItems(standard string, n int) []Item {
	out := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, scopedItem(standard+"-"+string(rune('a'+i)), standard))
	}
	return out
}

func TestFlowSummaryOnlyShortCircuit(t *testing.T) {
	fake := &fakeRetriever{
		summariesFn: func(HybridRequest) (*Result, error) {
			return &Result{Items: []Item{item("s1", 0.9), item("s2", 0.8)}}, nil
		},
	}
	flow := NewFlow(fake, nil, Options{MultiQueryEnabled: true})

	req := flowRequest("resumen general de la norma", nil)
	req.Plan.ChunkK = 0

	out := flow.Run(context.Background(), req)

	assert.Equal(t, OutcomeItems, out.Kind)
	assert.Empty(t, out.Chunks)
	require.Len(t, out.Summaries, 2)
	assert.Equal(t, "R1", out.Summaries[0].Source)
	assert.Equal(t, "R2", out.Summaries[1].Source)
	assert.Equal(t, datatypes.StrategyHybrid, out.Diagnostics.Strategy)
	assert.Zero(t, fake.chunkCalls.Load())
	assert.Zero(t, fake.multiCalls.Load())
}

func TestFlowHybridFailureDegrades(t *testing.T) {
	fake := &fakeRetriever{
		chunksFn: func(HybridRequest) (*Result, error) {
			return nil, &ContractError{StatusCode: 503, Endpoint: "hybrid", Retryable: true}
		},
	}
	flow := NewFlow(fake, nil, Options{})

	req := flowRequest("requisitos de calibración", []string{"ISO 9001"})
	req.Plan.SummaryK = 0

	out := flow.Run(context.Background(), req)

	assert.Equal(t, OutcomeDegraded, out.Kind)
	assert.Equal(t, datatypes.CodeUpstreamUnavailable, out.Code)
	assert.Empty(t, out.Chunks)
	assert.True(t, out.Diagnostics.Partial)
	assert.Contains(t, out.Diagnostics.Trace.ErrorCodes, datatypes.CodeEmptyRetrieval)
}

func TestFlowMultiQueryPrimaryAccepted(t *testing.T) {
	fake := &fakeRetriever{
		multiFn: func(req MultiQueryRequest) (*Result, error) {
			require.NotEmpty(t, req.Queries)
			assert.Equal(t, "rrf", req.Merge.Strategy)
			items := append(scopedItems("ISO 9001", 4), scopedItems("ISO 27001", 4)...)
			return &Result{Items: items}, nil
		},
	}
	flow := NewFlow(fake, nil, Options{MultiQueryEnabled: true})

	req := flowRequest("Compara ISO 9001 con ISO 27001", []string{"ISO 9001", "ISO 27001"})
	req.Plan.SummaryK = 0

	out := flow.Run(context.Background(), req)

	assert.Equal(t, OutcomeItems, out.Kind)
	assert.Equal(t, datatypes.StrategyMultiQuery, out.Diagnostics.Strategy)
	assert.Len(t, out.Chunks, 8)
	assert.Zero(t, fake.chunkCalls.Load(), "baseline must not run when the primary is accepted")
	assert.Equal(t, int32(1), fake.multiCalls.Load())
	assert.NotEmpty(t, out.Groups)
}

func TestFlowMultihopFallbackEarlyExit(t *testing.T) {
	fake := &fakeRetriever{
		chunksFn: func(HybridRequest) (*Result, error) {
			return &Result{Items: scopedItems("ISO 9001", 3)}, nil
		},
		// The fallback batch brings nothing from the missing scope.
		multiFn: func(MultiQueryRequest) (*Result, error) {
			return &Result{Items: scopedItems("ISO 9001", 2)}, nil
		},
	}
	flow := NewFlow(fake, nil, Options{CoverageGateEnabled: true})

	req := flowRequest("Compara ISO 9001 con ISO 27001", []string{"ISO 9001", "ISO 27001"})
	req.Plan.SummaryK = 0

	out := flow.Run(context.Background(), req)

	assert.Equal(t, datatypes.StrategyHybrid, out.Diagnostics.Strategy)
	assert.Equal(t, "no_coverage_improvement", out.Diagnostics.Trace.Flags["multi_query_fallback_early_exit"])
	assert.Contains(t, out.Diagnostics.Trace.ErrorCodes, datatypes.CodeScopeMismatch)
	assert.Equal(t, []string{"ISO 27001"}, out.Diagnostics.Trace.MissingScopes)
}

func TestFlowScopeInvalid(t *testing.T) {
	fake := &fakeRetriever{
		scopeFn: func(ScopeRequest) (*ScopeResult, error) {
			return &ScopeResult{Valid: false, Violations: []string{"tenant sin acceso a la colección"}}, nil
		},
	}
	flow := NewFlow(fake, nil, Options{})

	out := flow.Run(context.Background(), flowRequest("cualquier consulta", nil))

	assert.Equal(t, OutcomeScopeInvalid, out.Kind)
	require.NotNil(t, out.ScopeInvalid)
	assert.Equal(t, []string{"tenant sin acceso a la colección"}, out.ScopeInvalid.Violations)
	assert.Zero(t, fake.chunkCalls.Load())
}

func TestFlowScopeClarification(t *testing.T) {
	fake := &fakeRetriever{
		scopeFn: func(ScopeRequest) (*ScopeResult, error) {
			return &ScopeResult{
				Valid: true,
				QueryScope: &QueryScope{
					RequiresScopeClarification: true,
					SuggestedScopes:            []string{"ISO 9001", "ISO 27001"},
				},
			}, nil
		},
	}
	flow := NewFlow(fake, nil, Options{})

	out := flow.Run(context.Background(), flowRequest("requisitos de auditoría", nil))

	assert.Equal(t, OutcomeNeedsClarification, out.Kind)
	assert.Equal(t, []string{"ISO 9001", "ISO 27001"}, out.SuggestedScopes)
	assert.Zero(t, fake.chunkCalls.Load())
}

func TestFlowScopeValidationUnavailableIsAdvisory(t *testing.T) {
	fake := &fakeRetriever{
		scopeFn: func(ScopeRequest) (*ScopeResult, error) {
			return nil, &ContractError{StatusCode: 502, Endpoint: "validate-scope"}
		},
		chunksFn: func(HybridRequest) (*Result, error) {
			return &Result{Items: scopedItems("ISO 9001", 2)}, nil
		},
	}
	flow := NewFlow(fake, nil, Options{})

	req := flowRequest("requisitos de calibración", []string{"ISO 9001"})
	req.Plan.SummaryK = 0

	out := flow.Run(context.Background(), req)

	// Retrieval proceeds; the failed advisory call only taints the outcome.
	assert.Equal(t, OutcomeDegraded, out.Kind)
	assert.Len(t, out.Chunks, 2)
	assert.Equal(t, int32(1), fake.chunkCalls.Load())
}

func TestFlowLegacyModeFansOutClientSide(t *testing.T) {
	fake := &fakeRetriever{
		chunksFn: func(req HybridRequest) (*Result, error) {
			std := req.Filters["source_standard"]
			if std == "" {
				return &Result{}, nil
			}
			return &Result{Items: scopedItems(std, 4)}, nil
		},
	}
	flow := NewFlow(fake, nil, Options{ContractMode: "legacy", MultiQueryEnabled: true})

	req := flowRequest("Compara ISO 9001 con ISO 27001", []string{"ISO 9001", "ISO 27001"})
	req.Plan.SummaryK = 0

	out := flow.Run(context.Background(), req)

	assert.Equal(t, datatypes.StrategyMultiQuery, out.Diagnostics.Strategy)
	assert.Len(t, out.Chunks, 8)
	assert.Zero(t, fake.multiCalls.Load(), "legacy mode must not touch the multi-query endpoint")
	assert.Equal(t, int32(2), fake.chunkCalls.Load())
}

func TestFlowMarkerOffsetsContinueNumbering(t *testing.T) {
	fake := &fakeRetriever{
		chunksFn: func(HybridRequest) (*Result, error) {
			return &Result{Items: scopedItems("ISO 9001", 2)}, nil
		},
		summariesFn: func(HybridRequest) (*Result, error) {
			return &Result{Items: []Item{item("s1", 0.9)}}, nil
		},
	}
	flow := NewFlow(fake, nil, Options{})

	// A second retrieval pass numbers its markers after the three chunks and
	// one summary already on the flow state.
	req := flowRequest("requisitos de calibración", []string{"ISO 9001"})
	req.ChunkMarkerOffset = 3
	req.SummaryMarkerOffset = 1

	out := flow.Run(context.Background(), req)

	require.Len(t, out.Chunks, 2)
	assert.Equal(t, "C4", out.Chunks[0].Source)
	assert.Equal(t, "C5", out.Chunks[1].Source)
	require.Len(t, out.Summaries, 1)
	assert.Equal(t, "R2", out.Summaries[0].Source)
}

func TestFlowMinScoreBackstop(t *testing.T) {
	low := scopedItems("ISO 9001", 3)
	low[0].Score = 0.30
	low[1].Score = 0.45
	low[2].Score = 0.20

	fake := &fakeRetriever{
		chunksFn: func(HybridRequest) (*Result, error) {
			return &Result{Items: low}, nil
		},
	}
	flow := NewFlow(fake, nil, Options{})

	req := flowRequest("requisitos de calibración", []string{"ISO 9001"})
	req.Plan.SummaryK = 0
	req.BackstopTopN = 2

	out := flow.Run(context.Background(), req)

	assert.Equal(t, OutcomeItems, out.Kind)
	require.Len(t, out.Chunks, 2)
	assert.Equal(t, 0.45, out.Chunks[0].Score)
	assert.Equal(t, 0.30, out.Chunks[1].Score)
	assert.Contains(t, out.Diagnostics.Trace.ErrorCodes, datatypes.CodeLowScore)
	assert.Equal(t, "kept_top_dropped", out.Diagnostics.Trace.Flags["min_score_backstop"])
}
