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
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
)

var flowTracer = otel.Tracer("cire.orchestrator.retrieval.flow")

var strategyCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cire_retrieval_strategy_total",
	Help: "Selected retrieval strategy per flow run",
}, []string{"strategy"})

// TraceSchemaVersion marks the retrieval trace record layout.
const TraceSchemaVersion = 2

// DefaultMultiQueryMinItems is the acceptance floor for the multi-query
// primary strategy.
const DefaultMultiQueryMinItems = 6

// Options carries the configuration knobs for the retrieval flow. Zero
// values mean defaults.
type Options struct {
	ContractMode          string
	MultiQueryMinItems    int
	MultiQueryEnabled     bool
	CoverageGateEnabled   bool
	CoverageMaxMissing    int
	StepBackRepairEnabled bool
	SemanticTailEnabled   bool

	HybridTimeout         time.Duration
	MultiQueryTimeout     time.Duration
	CoverageRepairTimeout time.Duration
}

// Request is one retrieval invocation from the semantic_retrieval tool.
type Request struct {
	Query   string
	Plan    *datatypes.RetrievalPlan
	Mode    profile.QueryMode
	Router  profile.Router
	Scope   ScopeContext
	Filters map[string]string

	MinScore        float64
	BackstopEnabled bool
	BackstopTopN    int

	// Marker offsets continue evidence numbering across retrieval passes so
	// C/R markers stay unique when a replan adds to earlier evidence.
	ChunkMarkerOffset   int
	SummaryMarkerOffset int
}

// Flow executes the multi-strategy retrieval pipeline. All recoverable
// failures degrade to partial results with codes in the trace; nothing
// recoverable escapes the tool boundary as an error.
type Flow struct {
	retriever Retriever
	planner   SubqueryPlanner
	opts      Options
}

// NewFlow wires the flow. planner may be nil, in which case a plain
// deterministic planner is used.
func NewFlow(retriever Retriever, planner SubqueryPlanner, opts Options) *Flow {
	if planner == nil {
		planner = NewHybridPlanner(DeterministicPlanner{}, nil)
	}
	if opts.MultiQueryMinItems <= 0 {
		opts.MultiQueryMinItems = DefaultMultiQueryMinItems
	}
	if opts.HybridTimeout <= 0 {
		opts.HybridTimeout = 12 * time.Second
	}
	if opts.MultiQueryTimeout <= 0 {
		opts.MultiQueryTimeout = 18 * time.Second
	}
	if opts.CoverageRepairTimeout <= 0 {
		opts.CoverageRepairTimeout = 8 * time.Second
	}
	return &Flow{retriever: retriever, planner: planner, opts: opts}
}

// run-scoped working state, assembled incrementally by the stages.
type runState struct {
	req      Request
	query    string // expanded
	clauses  []string
	multihop bool

	subqueries []datatypes.Subquery
	items      []Item
	summaries  []Item
	strategy   string
	partial    bool

	trace *datatypes.RetrievalTrace
	scope *datatypes.ScopeValidation
}

// Run executes the pipeline and always returns a structured outcome.
func (f *Flow) Run(ctx context.Context, req Request) Outcome {
	ctx, span := flowTracer.Start(ctx, "RetrievalFlow.Run")
	defer span.End()
	started := time.Now()

	st := &runState{
		req:      req,
		strategy: datatypes.StrategyHybrid,
		trace: &datatypes.RetrievalTrace{
			SchemaVersion: TraceSchemaVersion,
			TimingsMS:     make(map[string]int64),
			LayerCounts:   make(map[string]int),
			Flags:         make(map[string]string),
		},
	}

	// Scope validation runs before anything touches the index.
	if out, stop := f.validateScope(ctx, st); stop {
		return out
	}

	st.query, st.trace.AppliedExpansions = ExpandQuery(req.Query, req.Router.SearchHints)
	st.clauses = ExtractClauseRefs(st.query, req.Router)
	st.multihop = HasMultihopHint(req.Query, req.Router) || len(req.Plan.RequestedStandards) >= 2
	span.SetAttributes(
		attribute.Bool("multihop", st.multihop),
		attribute.Int("requested_standards", len(req.Plan.RequestedStandards)),
	)

	// chunk_k=0 short-circuits: no chunk retrieval, no multi-query.
	if req.Plan.ChunkK <= 0 {
		f.retrieveSummaries(ctx, st)
		st.trace.TimingsMS["total"] = time.Since(started).Milliseconds()
		return f.finish(st)
	}

	f.planSubqueries(ctx, st)

	// Strategy 1: multi-query primary.
	accepted := false
	if f.opts.MultiQueryEnabled && st.multihop && len(st.subqueries) > 0 {
		accepted = f.multiQueryPrimary(ctx, st)
	}

	// Strategy 2: hybrid baseline (always runs unless primary accepted).
	if !accepted {
		f.hybridBaseline(ctx, st)
	}
	f.retrieveSummaries(ctx, st)

	// Strategy 3: multihop fallback with early exit.
	if !accepted && st.multihop && f.coverageGateWantsFallback(st) {
		f.multihopFallback(ctx, st)
	}

	f.coverageRepair(ctx, st)
	f.applyFilters(st)

	st.trace.TimingsMS["total"] = time.Since(started).Milliseconds()
	strategyCounter.WithLabelValues(st.strategy).Inc()
	return f.finish(st)
}

// =============================================================================
// Stages
// =============================================================================

func (f *Flow) validateScope(ctx context.Context, st *runState) (Outcome, bool) {
	req := st.req
	result, err := f.retriever.ValidateScope(ctx, req.Scope, ScopeRequest{
		Query:   req.Query,
		Filters: req.Filters,
	})
	if err != nil {
		// Scope validation is advisory; a dead endpoint must not block
		// retrieval.
		slog.Debug("validate-scope unavailable", "error", err)
		st.trace.ErrorCodes = append(st.trace.ErrorCodes, classifyErr(err))
		return Outcome{}, false
	}
	if result == nil {
		return Outcome{}, false
	}

	st.scope = &datatypes.ScopeValidation{
		Valid:           result.Valid,
		Violations:      result.Violations,
		Warnings:        result.Warnings,
		NormalizedScope: result.NormalizedScope,
	}
	if !result.Valid {
		return Outcome{
			Kind: OutcomeScopeInvalid,
			ScopeInvalid: &ScopeValidationError{
				Violations:      result.Violations,
				Warnings:        result.Warnings,
				NormalizedScope: result.NormalizedScope,
			},
			Diagnostics: f.diagnostics(st),
		}, true
	}
	if qs := result.QueryScope; qs != nil {
		if len(st.req.Plan.RequestedStandards) == 0 {
			st.req.Plan.RequestedStandards = qs.RequestedStandards
		}
		if qs.RequiresScopeClarification {
			return Outcome{
				Kind:            OutcomeNeedsClarification,
				SuggestedScopes: qs.SuggestedScopes,
				Diagnostics:     f.diagnostics(st),
			}, true
		}
	}
	return Outcome{}, false
}

func (f *Flow) planSubqueries(ctx context.Context, st *runState) {
	subs, err := f.planner.PlanSubqueries(ctx, PlanInput{
		Query:        st.query,
		Plan:         st.req.Plan,
		Mode:         st.req.Mode,
		Router:       st.req.Router,
		SemanticTail: f.opts.SemanticTailEnabled,
	})
	if err != nil {
		slog.Debug("Subquery planning failed, continuing with baseline only", "error", err)
		return
	}
	st.subqueries = subs
	st.trace.Subqueries = append(st.trace.Subqueries, subs...)
}

// multiQueryPrimary runs all subqueries with RRF merging and accepts the
// result when enough items survive filtering. A refine pass appends a
// step-back query and retries once.
func (f *Flow) multiQueryPrimary(ctx context.Context, st *runState) bool {
	items, ok := f.runBatch(ctx, st, st.subqueries, f.opts.MultiQueryTimeout, "multi_query")
	if !ok {
		return false
	}
	if f.acceptPrimary(st, items) {
		st.items = items
		st.strategy = datatypes.StrategyMultiQuery
		return true
	}

	// Refine: one retry with an added step-back query.
	refined := append(append([]datatypes.Subquery{}, st.subqueries...), datatypes.Subquery{
		ID:     "refine-stepback",
		Query:  "principios y requisitos generales relacionados con: " + st.query,
		Origin: originStepBack,
	})
	items, ok = f.runBatch(ctx, st, refined, f.opts.MultiQueryTimeout, "multi_query_refine")
	if ok && f.acceptPrimary(st, items) {
		st.items = items
		st.strategy = datatypes.StrategyMultiQuery
		return true
	}
	return false
}

// acceptPrimary applies noise reduction and min-score filtering to a copy
// and checks the MIN_ITEMS floor.
func (f *Flow) acceptPrimary(st *runState, items []Item) bool {
	kept, _ := reduceNoise(items, st.query)
	res := filterMinScore(kept, st.req.MinScore, false, 0)
	return len(res.kept) >= f.opts.MultiQueryMinItems
}

func (f *Flow) hybridBaseline(ctx context.Context, st *runState) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.HybridTimeout)
	defer cancel()
	started := time.Now()

	result, err := f.retriever.RetrieveChunks(ctx, st.req.Scope, HybridRequest{
		Query:   st.query,
		K:       st.req.Plan.ChunkK,
		FetchK:  st.req.Plan.ChunkFetchK,
		Filters: st.req.Filters,
		Rerank:  true,
		Graph:   &GraphOptions{MaxHops: 2},
	})
	st.trace.TimingsMS["hybrid"] = time.Since(started).Milliseconds()
	if err != nil {
		// The contract client already retried the alternate backend.
		st.trace.ErrorCodes = append(st.trace.ErrorCodes, classifyErr(err))
		st.partial = true
		slog.Warn("Hybrid retrieval failed", "error", err)
		return
	}
	st.items = mergeItems(st.items, result.Items)
	st.partial = st.partial || result.Partial
	st.trace.LayerCounts["chunks"] += len(result.Items)
}

func (f *Flow) retrieveSummaries(ctx context.Context, st *runState) {
	if st.req.Plan.SummaryK <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, f.opts.HybridTimeout)
	defer cancel()

	result, err := f.retriever.RetrieveSummaries(ctx, st.req.Scope, HybridRequest{
		Query:   st.query,
		K:       st.req.Plan.SummaryK,
		FetchK:  st.req.Plan.SummaryK * 4,
		Filters: st.req.Filters,
		Rerank:  true,
	})
	if err != nil {
		st.trace.ErrorCodes = append(st.trace.ErrorCodes, classifyErr(err))
		st.partial = true
		return
	}
	st.summaries = result.Items
	st.trace.LayerCounts["summaries"] += len(result.Items)
}

// coverageGateWantsFallback decides whether the multihop fallback is worth
// running: the gate is enabled and requested scopes are missing from the
// current items within the configured cap.
func (f *Flow) coverageGateWantsFallback(st *runState) bool {
	if !f.opts.CoverageGateEnabled || len(st.subqueries) == 0 {
		return false
	}
	missing := missingScopes(st.items, st.req.Plan.RequestedStandards)
	if len(missing) == 0 {
		return false
	}
	if f.opts.CoverageMaxMissing > 0 && len(missing) > f.opts.CoverageMaxMissing {
		// Too many gaps to close with subqueries; repair would thrash.
		st.trace.Flags["coverage_gate"] = "missing_exceeds_cap"
		return false
	}
	return true
}

// multihopFallback reruns the subqueries as a batch. The early-exit check
// compares missing-scope sets before and after; without improvement the
// hybrid items stand.
func (f *Flow) multihopFallback(ctx context.Context, st *runState) {
	before := missingScopes(st.items, st.req.Plan.RequestedStandards)

	items, ok := f.runBatch(ctx, st, st.subqueries, f.opts.MultiQueryTimeout, "multi_query_fallback")
	if !ok {
		st.trace.ErrorCodes = append(st.trace.ErrorCodes, datatypes.CodeGraphFallbackNoMultihop)
		return
	}

	merged := mergeItems(append([]Item{}, st.items...), items)
	after := missingScopes(merged, st.req.Plan.RequestedStandards)
	if len(after) >= len(before) {
		st.trace.Flags["multi_query_fallback_early_exit"] = "no_coverage_improvement"
		return
	}
	st.items = merged
	st.strategy = datatypes.StrategyMultiQueryFallback
}

// coverageRepair closes remaining scope and clause gaps with focused
// subqueries, then a step-back pass when enabled. Final gaps land in the
// trace as scope_mismatch / clause_missing codes.
func (f *Flow) coverageRepair(ctx context.Context, st *runState) {
	missScopes := missingScopes(st.items, st.req.Plan.RequestedStandards)
	missClauses := missingClauses(st.items, st.clauses)
	gate := &datatypes.CoverageGate{
		RequestedStandards: st.req.Plan.RequestedStandards,
		MissingBefore:      missScopes,
	}
	st.trace.CoverageGate = gate

	if len(missScopes) == 0 && len(missClauses) == 0 {
		return
	}

	repairs := repairSubqueries(st.query, missScopes, missClauses)
	if len(repairs) > 0 {
		gate.RepairIssued = true
		if items, ok := f.runBatch(ctx, st, repairs, f.opts.CoverageRepairTimeout, "coverage_repair"); ok {
			st.items = mergeItems(st.items, items)
		}
	}

	missScopes = missingScopes(st.items, st.req.Plan.RequestedStandards)
	if len(missScopes) > 0 && f.opts.StepBackRepairEnabled {
		gate.StepBackIssued = true
		if items, ok := f.runBatch(ctx, st, stepBackSubqueries(st.query, missScopes), f.opts.CoverageRepairTimeout, "step_back"); ok {
			st.items = mergeItems(st.items, items)
		}
		missScopes = missingScopes(st.items, st.req.Plan.RequestedStandards)
	}
	missClauses = missingClauses(st.items, st.clauses)

	gate.MissingAfter = missScopes
	st.trace.MissingScopes = missScopes
	st.trace.MissingClauseRefs = missClauses
	// In cross-scope modes these stay informational; the reflect loop
	// downgrades them there, the trace records them either way.
	if len(missScopes) > 0 {
		st.trace.ErrorCodes = append(st.trace.ErrorCodes, datatypes.CodeScopeMismatch)
	}
	if len(missClauses) > 0 {
		st.trace.ErrorCodes = append(st.trace.ErrorCodes, datatypes.CodeClauseMissing)
	}
}

func (f *Flow) applyFilters(st *runState) {
	kept, dropped := reduceNoise(st.items, st.query)
	if dropped > 0 {
		st.trace.LayerCounts["noise_dropped"] = dropped
	}
	res := filterMinScore(kept, st.req.MinScore, st.req.BackstopEnabled, st.req.BackstopTopN)
	st.items = res.kept
	if res.backstopped {
		st.trace.ErrorCodes = append(st.trace.ErrorCodes, datatypes.CodeLowScore)
		st.trace.Flags["min_score_backstop"] = "kept_top_dropped"
	}
	if len(st.items) == 0 && len(st.summaries) == 0 {
		st.trace.ErrorCodes = append(st.trace.ErrorCodes, datatypes.CodeEmptyRetrieval)
	}
}

// =============================================================================
// Batch Execution
// =============================================================================

// runBatch executes a set of subqueries under its own stage deadline. In
// legacy contract mode the fan-out happens client-side with a deterministic
// RRF merge over a fixed-size result vector; otherwise the contract's
// multi-query endpoint does the merge engine-side.
func (f *Flow) runBatch(ctx context.Context, st *runState, subs []datatypes.Subquery, budget time.Duration, label string) ([]Item, bool) {
	if len(subs) == 0 {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	started := time.Now()
	defer func() {
		st.trace.TimingsMS[label] += time.Since(started).Milliseconds()
	}()

	if f.opts.ContractMode == "legacy" {
		return f.runBatchClientSide(ctx, st, subs)
	}

	wire := make([]SubqueryRequest, len(subs))
	for i, sq := range subs {
		k := sq.K
		if k <= 0 {
			k = st.req.Plan.ChunkK
		}
		wire[i] = SubqueryRequest{ID: sq.ID, Query: sq.Query, K: k, FetchK: sq.FetchK, Filters: sq.Filters}
	}
	result, err := f.retriever.MultiQuery(ctx, st.req.Scope, MultiQueryRequest{
		Queries: wire,
		Merge: MergeOptions{
			Strategy: "rrf",
			RRFK:     DefaultRRFK,
			TopK:     rrfTopK(st.req.Plan.ChunkK),
		},
	})
	if err != nil {
		st.trace.ErrorCodes = append(st.trace.ErrorCodes, classifyErr(err))
		st.partial = true
		return nil, false
	}
	st.recordSubqueryTraces(subs, len(result.Items), started)
	return result.Items, true
}

// runBatchClientSide fans the subqueries out as concurrent hybrid calls.
// Results land in a fixed-size vector indexed by subquery position, so the
// RRF merge is deterministic regardless of completion order; siblings are
// cancelled when the stage budget expires.
func (f *Flow) runBatchClientSide(ctx context.Context, st *runState, subs []datatypes.Subquery) ([]Item, bool) {
	results := make([][]Item, len(subs))
	g, gctx := errgroup.WithContext(ctx)

	for i, sq := range subs {
		g.Go(func() error {
			k := sq.K
			if k <= 0 {
				k = st.req.Plan.ChunkK
			}
			res, err := f.retriever.RetrieveChunks(gctx, st.req.Scope, HybridRequest{
				Query:   sq.Query,
				K:       k,
				FetchK:  sq.FetchK,
				Filters: sq.Filters,
				Rerank:  true,
			})
			if err != nil {
				// Partial fan-out results are preserved; one failed
				// subquery does not sink the batch.
				slog.Debug("Subquery failed", "id", sq.ID, "error", err)
				return nil
			}
			results[i] = res.Items
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	if total == 0 {
		return nil, false
	}
	merged := rrfMerge(results, DefaultRRFK, rrfTopK(st.req.Plan.ChunkK))
	st.recordSubqueryTraces(subs, len(merged), time.Now())
	return merged, true
}

func (st *runState) recordSubqueryTraces(subs []datatypes.Subquery, itemCount int, started time.Time) {
	for _, sq := range subs {
		st.trace.SubqueryTraces = append(st.trace.SubqueryTraces, datatypes.SubqueryTrace{
			ID:        sq.ID,
			Query:     sq.Query,
			ItemCount: itemCount,
			ElapsedMS: time.Since(started).Milliseconds(),
		})
	}
}

// =============================================================================
// Assembly
// =============================================================================

func (f *Flow) diagnostics(st *runState) *datatypes.RetrievalDiagnostics {
	contract := f.opts.ContractMode
	if contract == "" {
		contract = "advanced"
	}
	return &datatypes.RetrievalDiagnostics{
		Contract:        contract,
		Strategy:        st.strategy,
		Partial:         st.partial,
		Trace:           st.trace,
		ScopeValidation: st.scope,
	}
}

func (f *Flow) finish(st *runState) Outcome {
	chunks := toEvidence(st.items, "C", st.req.ChunkMarkerOffset)
	summaries := toEvidence(st.summaries, "R", st.req.SummaryMarkerOffset)

	kind := OutcomeItems
	code := ""
	for _, c := range st.trace.ErrorCodes {
		if c == datatypes.CodeUpstreamUnavailable || c == datatypes.CodeTimeout {
			kind = OutcomeDegraded
			code = c
			break
		}
	}

	return Outcome{
		Kind:        kind,
		Code:        code,
		Chunks:      chunks,
		Summaries:   summaries,
		Groups:      groupBySubquery(st, chunks),
		Diagnostics: f.diagnostics(st),
	}
}

// groupBySubquery attributes top evidence to each subquery for grouped
// map-reduce aggregation, matching on the subquery's scope filter (or
// keeping the global top items for unfiltered subqueries).
func groupBySubquery(st *runState, chunks []datatypes.EvidenceItem) []datatypes.SubqueryGroup {
	if len(st.subqueries) == 0 {
		return nil
	}
	groups := make([]datatypes.SubqueryGroup, 0, len(st.subqueries))
	for _, sq := range st.subqueries {
		g := datatypes.SubqueryGroup{ID: sq.ID, Query: sq.Query}
		want := sq.Filters["source_standard"]
		for _, ev := range chunks {
			if want == "" || normalizeScope(ev.SourceStandard()) == normalizeScope(want) {
				g.Items = append(g.Items, ev)
			}
			if len(g.Items) == 5 {
				break
			}
		}
		groups = append(groups, g)
	}
	return groups
}
