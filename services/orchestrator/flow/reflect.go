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
	"strings"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
)

// reflectAfter is the reflection step that follows every tool execution.
// It inspects the result and the accumulated evidence, then routes: retry
// through the planner, continue the tool plan, or move to the synthesis
// tail. Both the replan ceiling and the reflection ceiling are enforced
// here; hitting either one degrades forward, never fails.
func (k *Kernel) reflectAfter(delta *Delta, r *run, result *datatypes.ToolResult) *Delta {
	state := r.state
	delta.ReflectionsInc = 1
	reflections := state.Reflections + 1

	nextCursor := state.ToolCursor + 1
	if delta.ToolCursor != nil {
		nextCursor = *delta.ToolCursor
	}
	forward := k.forwardAction(r, nextCursor)

	ceiling := reflectionCap(r)
	if reflections >= ceiling {
		note(delta, "reflection_ceiling", "reached")
		delta.NextAction = forward
		return delta
	}

	// The retrieval flow asked for scope clarification mid-plan.
	if result.OK && needsClarification(result) {
		if clar := scopeClarification(r, result); clar != nil {
			delta.Clarification = clar
			delta.InterruptionsInc = 1
			delta.StopReason = datatypes.StopAwaitingClarification
			delta.NextAction = datatypes.ActionDone
			return delta
		}
	}

	code := dominantCode(result, delta)
	haveEvidence := len(state.Chunks)+len(delta.Chunks)+len(state.Summaries)+len(delta.Summaries) > 0
	retryable := datatypes.IsRetryableCode(code) ||
		// A timed-out retrieval pass is worth replanning; timeouts from any
		// other tool stay terminal for that tool.
		(code == datatypes.CodeToolTimeout && result.Tool == profile.DefaultTool)

	switch {
	case result.OK && code == "":
		delta.NextAction = forward

	case result.OK && isInformational(r, code):
		// Cross-scope modes expect evidence to span standards; coverage
		// signals stay informational there.
		note(delta, "informational_signal", code)
		delta.NextAction = forward

	case retryable && k.canReplan(r):
		delta.PlanAttemptsInc = 1
		note(delta, "last_replan_reason", code)
		delta.NextAction = datatypes.ActionReplan

	case !result.OK && !retryable:
		// Non-retryable tool failure: skip the tool. The flow only stops
		// over it when nothing else can produce evidence.
		if forward == datatypes.ActionGenerate && !haveEvidence {
			delta.StopReason = datatypes.StopToolErrorNonRetryable
		}
		delta.NextAction = forward

	default:
		// Degraded but salvageable (timeouts, upstream loss after retry,
		// partial coverage with evidence on hand).
		delta.NextAction = forward
	}
	return delta
}

// forwardAction picks the next node once the current tool is settled: the
// rest of the tool plan, the aggregation stage for grouped map-reduce
// modes, or generation.
func (k *Kernel) forwardAction(r *run, nextCursor int) datatypes.NextAction {
	if nextCursor < len(r.state.ToolPlan) {
		return datatypes.ActionExecuteTool
	}
	return k.postToolAction(r)
}

func (k *Kernel) postToolAction(r *run) datatypes.NextAction {
	if r.state.Intent != nil {
		if mode, _ := r.prof.ModeFor(r.state.Intent.Mode); mode.Decomposition.SubqueryAggregationMode == "grouped_map_reduce" && len(r.state.SubqueryGroups) > 0 {
			return datatypes.ActionAggregate
		}
	}
	return datatypes.ActionGenerate
}

// canReplan gates the route back to the planner: attempts below the hard
// cap and enough budget left for another retrieval pass.
func (k *Kernel) canReplan(r *run) bool {
	if r.state.PlanAttempts+1 >= datatypes.MaxPlanAttempts {
		return false
	}
	return !r.led.exhausted()
}

func reflectionCap(r *run) int {
	ceiling := r.prof.Capabilities.MaxReflections
	if ceiling <= 0 || ceiling > datatypes.HardMaxReflections {
		ceiling = datatypes.HardMaxReflections
	}
	return ceiling
}

// dominantCode extracts the strongest signal from a tool result: the
// result's own error first, then the retrieval trace codes by severity.
func dominantCode(result *datatypes.ToolResult, delta *Delta) string {
	if result.Error != "" {
		return result.Error
	}
	diag := delta.Retrieval
	if diag == nil || diag.Trace == nil {
		return ""
	}
	// empty_retrieval outranks partial-coverage signals.
	priority := []string{
		datatypes.CodeEmptyRetrieval,
		datatypes.CodeScopeMismatch,
		datatypes.CodeClauseMissing,
		datatypes.CodeLowScore,
		datatypes.CodeTimeout,
		datatypes.CodeUpstreamUnavailable,
	}
	codes := make(map[string]bool, len(diag.Trace.ErrorCodes))
	for _, c := range diag.Trace.ErrorCodes {
		codes[c] = true
	}
	for _, c := range priority {
		if codes[c] {
			return c
		}
	}
	return ""
}

// isInformational reports whether a coverage signal should be downgraded
// for the active mode.
func isInformational(r *run, code string) bool {
	if code != datatypes.CodeScopeMismatch && code != datatypes.CodeClauseMissing {
		return false
	}
	if r.state.Intent == nil {
		return false
	}
	mode, _ := r.prof.ModeFor(r.state.Intent.Mode)
	return mode.CrossScope
}

func needsClarification(result *datatypes.ToolResult) bool {
	flagged, _ := result.Output["needs_clarification"].(bool)
	return flagged
}

func scopeClarification(r *run, result *datatypes.ToolResult) *datatypes.ClarificationRequest {
	maxInterrupts := r.prof.Interaction.MaxInterruptionsPerTurn
	if maxInterrupts <= 0 {
		maxInterrupts = 1
	}
	if r.state.InteractionInterruptions >= maxInterrupts {
		return nil
	}

	var options []string
	if suggested, ok := result.Output["suggested_scopes"].([]string); ok {
		options = suggested
	}
	question := "¿A qué norma se refiere la consulta?"
	if len(options) > 0 {
		question = "¿A qué norma se refiere la consulta? Opciones: " + strings.Join(options, ", ")
	}
	return &datatypes.ClarificationRequest{
		Kind:         datatypes.InteractionKindClarification,
		Level:        datatypes.InteractionLevelL2,
		Question:     question,
		Options:      options,
		MissingSlots: []string{"scope"},
	}
}

func note(delta *Delta, key, value string) {
	if delta.WorkingMemory == nil {
		delta.WorkingMemory = make(map[string]any)
	}
	delta.WorkingMemory[key] = value
}
