// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/llm"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/retrieval"
)

// planNode classifies intent, merges any clarification reply, decides
// whether to interrupt, and produces the retrieval plan plus the ordered
// tool plan. It is also the replan target: the reflect node routes back
// here with a clean working query and the retry reason in working memory.
func (k *Kernel) planNode(ctx context.Context, r *run) (*Delta, error) {
	ctx, cancel := r.led.stageContext(ctx, k.cfg.Stages.PlanMS)
	defer cancel()
	started := time.Now()

	state, prof := r.state, r.prof
	delta := &Delta{
		StageTimingsMS: map[string]int64{},
		WorkingQuery:   strPtr(state.UserQuery),
	}
	defer func() { delta.StageTimingsMS["plan"] += time.Since(started).Milliseconds() }()

	// Clarification replies merge before classification so extracted slots
	// influence the rule match.
	clarScopes := clarifiedScopes(state)

	intent := classify(state.UserQuery, prof.Router, markersFor(state))
	delta.Intent = intent

	scopes := retrieval.ExtractScopes(state.UserQuery, prof.Router)
	scopes = mergeScopeLists(scopes, clarScopes)

	// Planner deadline expired: degrade straight to generation with an
	// empty plan rather than failing the request.
	if ctx.Err() != nil {
		delta.StopReason = datatypes.StopPlannerTimeout
		delta.NextAction = datatypes.ActionGenerate
		delta.RetrievalPlan = datatypes.DefaultRetrievalPlan(intent.Mode)
		return delta, nil
	}

	// Interaction policy, L2: ambiguous query with no confirmed scope.
	if clar := k.maybeClarify(ctx, r, intent, scopes); clar != nil {
		delta.Clarification = clar
		delta.InterruptionsInc = 1
		delta.StopReason = datatypes.StopAwaitingClarification
		delta.NextAction = datatypes.ActionDone
		return delta, nil
	}

	plan := buildRetrievalPlan(intent.Mode, scopes, prof)
	delta.RetrievalPlan = plan

	// Interaction policy, L3: plans whose estimated fan-out or latency
	// exceeds the profile thresholds need explicit approval.
	if clar := planApprovalInterrupt(state, prof, plan); clar != nil {
		delta.Clarification = clar
		delta.InterruptionsInc = 1
		delta.StopReason = datatypes.StopAwaitingPlanApproval
		delta.NextAction = datatypes.ActionDone
		return delta, nil
	}

	toolPlan := buildToolPlan(intent.Mode, prof)
	if len(toolPlan) == 0 {
		delta.StopReason = datatypes.StopMissingPlan
		delta.NextAction = datatypes.ActionGenerate
		return delta, nil
	}
	delta.ToolPlan = toolPlan
	delta.ToolCursor = intPtr(0)
	delta.NextAction = datatypes.ActionExecuteTool
	delta.ReasoningSteps = []datatypes.ReasoningStep{{
		Index:       state.NextStepIndex(),
		Type:        datatypes.StepPlan,
		Description: clipText(fmt.Sprintf("mode=%s confidence=%.2f scopes=%s tools=%d", intent.Mode, intent.Confidence, strings.Join(scopes, ","), len(toolPlan)), maxStepChars),
		OK:          true,
	}}
	return delta, nil
}

// =============================================================================
// Classification
// =============================================================================

// classify runs the ordered router rules; the first full match wins. No
// match falls back to the default mode at default (low) confidence.
func classify(query string, router profile.Router, markers map[string]bool) *datatypes.QueryIntent {
	lower := strings.ToLower(query)
	for _, rule := range router.Rules {
		if !ruleMatches(lower, query, rule, markers) {
			continue
		}
		confidence := rule.Confidence
		if confidence == 0 {
			confidence = router.DefaultConfidence
		}
		return &datatypes.QueryIntent{Mode: rule.Mode, Rationale: rule.Rationale, Confidence: confidence}
	}
	return &datatypes.QueryIntent{
		Mode:       router.DefaultMode,
		Rationale:  "no rule matched",
		Confidence: router.DefaultConfidence,
	}
}

func ruleMatches(lower, raw string, rule profile.RouterRule, markers map[string]bool) bool {
	for _, kw := range rule.KeywordsAll {
		if !strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}
	if len(rule.KeywordsAny) > 0 && !anyKeyword(lower, rule.KeywordsAny) {
		return false
	}
	for _, p := range rule.PatternsAll {
		if !patternMatch(p, raw) {
			return false
		}
	}
	if len(rule.PatternsAny) > 0 {
		hit := false
		for _, p := range rule.PatternsAny {
			if patternMatch(p, raw) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, m := range rule.MarkersAll {
		if !markers[m] {
			return false
		}
	}
	if len(rule.MarkersAny) > 0 {
		hit := false
		for _, m := range rule.MarkersAny {
			if markers[m] {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func anyKeyword(lower string, kws []string) bool {
	for _, kw := range kws {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

var plannerRegexCache = map[string]*regexp.Regexp{}

func patternMatch(pattern, s string) bool {
	re, ok := plannerRegexCache[pattern]
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false
		}
		plannerRegexCache[pattern] = re
	}
	return re.MatchString(s)
}

// markersFor derives the virtual marker tokens for this planning pass.
func markersFor(state *datatypes.FlowState) map[string]bool {
	markers := make(map[string]bool)
	if state.PlanAttempts > 0 {
		markers["__replan__"] = true
	}
	if reason, ok := state.WorkingMemory["last_replan_reason"].(string); ok && reason != "" {
		markers["__replan_reason__="+reason] = true
	}
	if _, ok := state.WorkingMemory["clarification_context"]; ok {
		markers["__clarified__"] = true
	}
	return markers
}

// =============================================================================
// Clarification Interrupts
// =============================================================================

// clarifiedScopes pulls scope slots out of a merged clarification reply.
func clarifiedScopes(state *datatypes.FlowState) []string {
	cc, ok := state.WorkingMemory["clarification_context"].(*datatypes.ClarificationContext)
	if !ok || cc == nil {
		return nil
	}
	return cc.RequestedScopes
}

func mergeScopeLists(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string{}, a...)
	for _, s := range a {
		seen[strings.ToUpper(s)] = true
	}
	for _, s := range b {
		if s != "" && !seen[strings.ToUpper(s)] {
			seen[strings.ToUpper(s)] = true
			out = append(out, s)
		}
	}
	return out
}

// maybeClarify decides the L2 interrupt: confidence under the clarify
// threshold, no confirmed scope, required slots unfilled, and the per-turn
// interruption budget not yet spent.
func (k *Kernel) maybeClarify(ctx context.Context, r *run, intent *datatypes.QueryIntent, scopes []string) *datatypes.ClarificationRequest {
	prof, state := r.prof, r.state

	maxInterrupts := prof.Interaction.MaxInterruptionsPerTurn
	if maxInterrupts <= 0 {
		maxInterrupts = 1
	}
	if state.InteractionInterruptions >= maxInterrupts {
		return nil
	}
	threshold := prof.Router.ClarifyThreshold
	if threshold <= 0 {
		threshold = profile.DefaultClarifyThreshold
	}

	required := prof.Interaction.RequiredSlots[intent.Mode]
	missingScope := containsSlot(required, "scope") && len(scopes) == 0
	// Only an unfilled required scope under the confidence floor interrupts;
	// low confidence alone is answerable.
	if intent.Confidence >= threshold || !missingScope {
		return nil
	}

	question := k.draftQuestion(ctx, state.UserQuery, prof)
	var slots []string
	if missingScope {
		slots = []string{"scope"}
	}
	return &datatypes.ClarificationRequest{
		Kind:         datatypes.InteractionKindClarification,
		Level:        datatypes.InteractionLevelL2,
		Question:     question,
		MissingSlots: slots,
	}
}

// draftQuestion asks the model for a one-line clarification question in the
// tenant's language, falling back to a fixed Spanish template.
func (k *Kernel) draftQuestion(ctx context.Context, query string, prof *profile.AgentProfile) string {
	fallback := "¿Sobre qué norma o alcance quieres que responda? Por ejemplo: ISO 9001, ISO 27001."
	if k.model == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(ctx, 600*time.Millisecond)
	defer cancel()

	maxTokens := 80
	prompt := fmt.Sprintf(
		"La consulta \"%s\" es ambigua. Formula UNA pregunta breve en español para aclarar qué norma o alcance aplica. Solo la pregunta.",
		query,
	)
	out, err := k.model.Generate(ctx, prompt, llm.GenerationParams{MaxTokens: &maxTokens})
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return strings.TrimSpace(out)
}

// planApprovalInterrupt decides the L3 interrupt from estimated cost.
func planApprovalInterrupt(state *datatypes.FlowState, prof *profile.AgentProfile, plan *datatypes.RetrievalPlan) *datatypes.ClarificationRequest {
	maxInterrupts := prof.Interaction.MaxInterruptionsPerTurn
	if maxInterrupts <= 0 {
		maxInterrupts = 1
	}
	if state.InteractionInterruptions >= maxInterrupts {
		return nil
	}
	threshold := prof.Interaction.SubqueryThresholdL3
	if threshold <= 0 {
		return nil
	}

	// One subquery per requested scope plus the bridge and step-back tails.
	estimated := len(plan.RequestedStandards) + 2
	if estimated <= threshold {
		return nil
	}
	return &datatypes.ClarificationRequest{
		Kind:  datatypes.InteractionKindPlanApproval,
		Level: datatypes.InteractionLevelL3,
		Question: fmt.Sprintf(
			"La consulta requiere %d búsquedas sobre %d normas y puede tardar. ¿Continuar con el plan completo?",
			estimated, len(plan.RequestedStandards),
		),
		Options: []string{"continuar", "reducir alcance"},
	}
}

// =============================================================================
// Plan Construction
// =============================================================================

// buildRetrievalPlan resolves the mode's retrieval profile into a concrete
// plan, falling back to generic parameters for undeclared modes.
func buildRetrievalPlan(mode string, scopes []string, prof *profile.AgentProfile) *datatypes.RetrievalPlan {
	plan := datatypes.DefaultRetrievalPlan(mode)
	if cfg, ok := prof.RetrievalConfigFor(mode); ok {
		plan.ChunkK = cfg.ChunkK
		plan.ChunkFetchK = cfg.ChunkFetchK
		plan.SummaryK = cfg.SummaryK
		plan.RequireLiteralEvidence = cfg.RequireLiteralEvidence
		plan.AllowInference = cfg.AllowInference
		plan.ResponseContract = cfg.ResponseContract
	}
	plan.RequestedStandards = scopes
	return plan
}

// buildToolPlan maps the mode's execution plan to tool calls, dropping tools
// the tenant's capabilities exclude. An empty execution plan defaults to a
// single retrieval call.
func buildToolPlan(mode string, prof *profile.AgentProfile) []datatypes.ToolCall {
	qm, _ := prof.ModeFor(mode)
	names := qm.ExecutionPlan
	if len(names) == 0 {
		names = []string{profile.DefaultTool}
	}
	var out []datatypes.ToolCall
	for _, name := range names {
		if !prof.Capabilities.AllowsTool(name) {
			continue
		}
		out = append(out, datatypes.ToolCall{Tool: name})
	}
	return out
}

func containsSlot(slots []string, want string) bool {
	for _, s := range slots {
		if s == want {
			return true
		}
	}
	return false
}
