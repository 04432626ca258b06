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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/llm"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
)

// Subquery origins recorded on planned subqueries.
const (
	originDeterministic  = "deterministic"
	originLLM            = "llm"
	originCoverageRepair = "coverage_repair"
	originStepBack       = "step_back"
)

// maxScopeSubqueries caps per-scope deterministic subqueries.
const maxScopeSubqueries = 3

// PlanInput carries everything a subquery planner may consult.
type PlanInput struct {
	Query  string
	Plan   *datatypes.RetrievalPlan
	Mode   profile.QueryMode
	Router profile.Router
	// SemanticTail enables the bridge and step-back tail queries.
	SemanticTail bool
}

// SubqueryPlanner decomposes a query into focused retrieval calls.
// Implementations must be deterministic given identical input (the LLM
// planner achieves this contract by being allowed to return nothing).
type SubqueryPlanner interface {
	PlanSubqueries(ctx context.Context, in PlanInput) ([]datatypes.Subquery, error)
}

// =============================================================================
// Deterministic Planner
// =============================================================================

// DeterministicPlanner derives subqueries from the requested standards and
// clause references alone. IDs are stable slugs so planning is idempotent.
type DeterministicPlanner struct{}

// PlanSubqueries implements SubqueryPlanner.
//
// One subquery per requested scope (limited to 3), each carrying a
// source_standard filter and, when the query anchors a clause, a clause
// filter. A bridge query covers documentary impact and a step-back query
// covers general principles; in literal modes the step-back is suppressed
// and reserved for coverage repair.
func (DeterministicPlanner) PlanSubqueries(_ context.Context, in PlanInput) ([]datatypes.Subquery, error) {
	var out []datatypes.Subquery

	clauses := ExtractClauseRefs(in.Query, in.Router)
	scopes := in.Plan.RequestedStandards
	if len(scopes) > maxScopeSubqueries {
		scopes = scopes[:maxScopeSubqueries]
	}
	for _, scope := range scopes {
		filters := map[string]string{"source_standard": scope}
		if len(clauses) > 0 {
			filters["clause"] = clauses[0]
		}
		out = append(out, datatypes.Subquery{
			ID:      "det-scope-" + slug(scope),
			Query:   in.Query,
			Filters: filters,
			Origin:  originDeterministic,
		})
	}

	if in.SemanticTail {
		out = append(out, datatypes.Subquery{
			ID:     "det-bridge",
			Query:  in.Query + " impacto en la información documentada y registros exigidos",
			Origin: originDeterministic,
		})
		if !in.Plan.RequireLiteralEvidence {
			out = append(out, datatypes.Subquery{
				ID:     "det-stepback",
				Query:  "principios y requisitos generales relacionados con: " + in.Query,
				Origin: originStepBack,
			})
		}
	}
	return out, nil
}

// =============================================================================
// LLM-Assisted Planner
// =============================================================================

// LLMPlanner asks a small model for additional focused subqueries. It is
// bounded by a short timeout and a rate limiter; on any failure it returns
// an empty plan so the hybrid falls back to deterministic output alone.
type LLMPlanner struct {
	client  llm.LLMClient
	timeout time.Duration
	limiter *rate.Limiter
}

// NewLLMPlanner builds the planner. timeout defaults to 600ms when zero.
func NewLLMPlanner(client llm.LLMClient, timeout time.Duration) *LLMPlanner {
	if timeout <= 0 {
		timeout = 600 * time.Millisecond
	}
	return &LLMPlanner{
		client:  client,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

const llmPlannerPrompt = `Descompón la consulta en subconsultas de recuperación enfocadas.
Responde SOLO un array JSON: [{"id":"...","query":"...","filters":{"source_standard":"..."}}].
Máximo 4 subconsultas. Consulta: %s
Alcances solicitados: %s`

// PlanSubqueries implements SubqueryPlanner.
func (p *LLMPlanner) PlanSubqueries(ctx context.Context, in PlanInput) ([]datatypes.Subquery, error) {
	if p.client == nil || !p.limiter.Allow() {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	prompt := fmt.Sprintf(llmPlannerPrompt, in.Query, strings.Join(in.Plan.RequestedStandards, ", "))
	maxTokens := 400
	raw, err := p.client.Generate(ctx, prompt, llm.GenerationParams{MaxTokens: &maxTokens})
	if err != nil {
		slog.Debug("LLM subquery planning failed, using deterministic only", "error", err)
		return nil, nil
	}

	var parsed []datatypes.Subquery
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &parsed); err != nil {
		slog.Debug("LLM subquery output unparseable", "error", err)
		return nil, nil
	}
	for i := range parsed {
		if parsed[i].ID == "" {
			parsed[i].ID = "llm-" + slug(parsed[i].Query)
		}
		parsed[i].Origin = originLLM
	}
	return parsed, nil
}

// extractJSONArray tolerates models that wrap JSON in prose or fences.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// =============================================================================
// Hybrid Planner
// =============================================================================

// HybridPlanner composes the deterministic planner with the LLM planner and
// enforces scope coverage over the merged set.
type HybridPlanner struct {
	deterministic SubqueryPlanner
	assisted      SubqueryPlanner
}

// NewHybridPlanner wires the two stages. assisted may be nil.
func NewHybridPlanner(deterministic, assisted SubqueryPlanner) *HybridPlanner {
	if deterministic == nil {
		deterministic = DeterministicPlanner{}
	}
	return &HybridPlanner{deterministic: deterministic, assisted: assisted}
}

// PlanSubqueries implements SubqueryPlanner.
//
// The LLM stage runs only when the deterministic set is insufficient or the
// query is complex (two or more scopes, two or more clause refs, or an
// analytical connector token from the profile). Results are merged,
// deduplicated by id and query text, scope coverage is enforced with filler
// subqueries, and the final list is capped at the mode's max_subqueries
// with one representative per requested scope selected first.
func (h *HybridPlanner) PlanSubqueries(ctx context.Context, in PlanInput) ([]datatypes.Subquery, error) {
	det, err := h.deterministic.PlanSubqueries(ctx, in)
	if err != nil {
		return nil, err
	}

	merged := det
	if h.assisted != nil && (len(det) < 2 || isComplexQuery(in)) {
		extra, _ := h.assisted.PlanSubqueries(ctx, in)
		merged = append(merged, extra...)
	}
	merged = dedupSubqueries(merged)
	merged = enforceScopeCoverage(merged, in.Plan.RequestedStandards, in.Query)

	maxN := in.Mode.Decomposition.MaxSubqueries
	if maxN <= 0 {
		maxN = profile.DefaultMaxSubqueries
	}
	return capSubqueries(merged, in.Plan.RequestedStandards, maxN), nil
}

// isComplexQuery applies the profile-driven complexity rule.
func isComplexQuery(in PlanInput) bool {
	if len(ExtractScopes(in.Query, in.Router)) >= 2 {
		return true
	}
	if len(ExtractClauseRefs(in.Query, in.Router)) >= 2 {
		return true
	}
	lower := strings.ToLower(in.Query)
	for _, tok := range in.Router.AnalyticalConnectors {
		if strings.Contains(lower, strings.ToLower(tok)) {
			return true
		}
	}
	return false
}

// enforceScopeCoverage synthesizes a filler deterministic subquery for every
// requested standard not yet covered by any subquery filter.
func enforceScopeCoverage(subs []datatypes.Subquery, standards []string, query string) []datatypes.Subquery {
	covered := make(map[string]bool)
	for _, sq := range subs {
		if std := sq.Filters["source_standard"]; std != "" {
			covered[std] = true
		}
	}
	for _, std := range standards {
		if covered[std] {
			continue
		}
		subs = append(subs, datatypes.Subquery{
			ID:      "cov-" + slug(std),
			Query:   query,
			Filters: map[string]string{"source_standard": std},
			Origin:  originDeterministic,
		})
	}
	return subs
}

// capSubqueries keeps at most maxN subqueries, selecting one representative
// per requested scope first, then the remainder in planning order.
func capSubqueries(subs []datatypes.Subquery, standards []string, maxN int) []datatypes.Subquery {
	if len(subs) <= maxN {
		return subs
	}

	picked := make([]datatypes.Subquery, 0, maxN)
	used := make(map[string]bool)
	for _, std := range standards {
		for _, sq := range subs {
			if used[sq.ID] || sq.Filters["source_standard"] != std {
				continue
			}
			picked = append(picked, sq)
			used[sq.ID] = true
			break
		}
		if len(picked) == maxN {
			return picked
		}
	}
	for _, sq := range subs {
		if len(picked) == maxN {
			break
		}
		if !used[sq.ID] {
			picked = append(picked, sq)
			used[sq.ID] = true
		}
	}
	return picked
}

func dedupSubqueries(subs []datatypes.Subquery) []datatypes.Subquery {
	seenID := make(map[string]bool)
	seenQuery := make(map[string]bool)
	out := subs[:0:0]
	for _, sq := range subs {
		qkey := strings.ToLower(strings.TrimSpace(sq.Query)) + "|" + sq.Filters["source_standard"]
		if seenID[sq.ID] || seenQuery[qkey] {
			continue
		}
		seenID[sq.ID] = true
		seenQuery[qkey] = true
		out = append(out, sq)
	}
	return out
}

// slug normalizes a label into an id fragment.
func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}
