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
	"errors"
	"time"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/retrieval"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/tools"
)

// maxStepChars clips reasoning-step descriptions in the audit trail.
const maxStepChars = 280

// executeNode runs the tool under the cursor with a per-tool deadline,
// merges its evidence into the state, and hands off to reflection. Every
// recoverable tool condition becomes a structured ToolResult; only scope
// rejection escapes as an error.
func (k *Kernel) executeNode(ctx context.Context, r *run) (*Delta, error) {
	state := r.state
	call := state.CurrentTool()
	if call == nil {
		// Plan exhausted; route to the tail of the graph.
		return &Delta{NextAction: k.postToolAction(r)}, nil
	}

	delta := &Delta{
		ToolCursor:     intPtr(state.ToolCursor + 1),
		ToolTimingsMS:  map[string]int64{},
		StageTimingsMS: map[string]int64{},
		NextAction:     datatypes.ActionExecuteTool,
	}

	tool, registered := k.registry.Get(call.Tool)
	if !registered || !r.prof.Capabilities.AllowsTool(call.Tool) {
		result := datatypes.ToolResult{
			Tool:  call.Tool,
			OK:    false,
			Error: datatypes.CodeToolNotRegistered,
		}
		delta.ToolResults = []datatypes.ToolResult{result}
		delta.ReasoningSteps = []datatypes.ReasoningStep{toolStep(state, call.Tool, nil, &result)}
		delta.NextAction = datatypes.ActionReplan
		// Unregistered tool is not retryable; reflection decides whether
		// the rest of the plan can still serve.
		return k.reflectAfter(delta, r, &result), nil
	}

	toolCtx, cancel := r.led.stageContext(ctx, k.toolBudgetMS(r, call.Tool))
	defer cancel()
	started := time.Now()

	inv := tools.Invocation{
		Args:    mergedArgs(state, call),
		State:   state,
		Profile: r.prof,
		Scope:   r.scope,
	}
	result, err := tool.Execute(toolCtx, inv)
	elapsed := time.Since(started).Milliseconds()
	delta.ToolTimingsMS[call.Tool] = elapsed
	delta.StageTimingsMS["execute_tool"] = elapsed

	if err != nil {
		if sve := retrieval.AsScopeValidationError(err); sve != nil {
			return nil, sve
		}
		code := datatypes.ToolErrorPrefix + "execution_failed"
		if errors.Is(err, context.DeadlineExceeded) || toolCtx.Err() != nil {
			code = datatypes.CodeToolTimeout
		}
		failed := datatypes.ToolResult{Tool: call.Tool, OK: false, Error: code}
		delta.ToolResults = []datatypes.ToolResult{failed}
		delta.ReasoningSteps = []datatypes.ReasoningStep{toolStep(state, call.Tool, inv.Args, &failed)}
		return k.reflectAfter(delta, r, &failed), nil
	}

	delta.ToolResults = []datatypes.ToolResult{*result}
	delta.ReasoningSteps = []datatypes.ReasoningStep{toolStep(state, call.Tool, inv.Args, result)}
	mergeToolProducts(delta, result)

	return k.reflectAfter(delta, r, result), nil
}

// toolBudgetMS resolves the per-tool deadline: capability override first,
// stage default otherwise.
func (k *Kernel) toolBudgetMS(r *run, tool string) int64 {
	if override := r.prof.Capabilities.ToolTimeoutsMS[tool]; override > 0 {
		return override
	}
	return k.cfg.Stages.ExecuteToolMS
}

// mergedArgs builds the tool input: the plan step's arguments, the previous
// tool's output piped in, and the tool's own working-memory slot.
func mergedArgs(state *datatypes.FlowState, call *datatypes.ToolCall) map[string]any {
	args := make(map[string]any, len(call.Input)+2)
	for key, value := range call.Input {
		args[key] = value
	}
	if prev := state.LastResult(); prev != nil && prev.OK {
		args["previous_tool_output"] = prev.Output
		if prev.Metadata != nil {
			args["previous_tool_metadata"] = prev.Metadata
		}
	}
	if mem, ok := state.WorkingMemory[call.Tool].(map[string]any); ok {
		for key, value := range mem {
			if _, exists := args[key]; !exists {
				args[key] = value
			}
		}
	}
	return args
}

// mergeToolProducts lifts a successful tool's evidence payload into the
// delta. Markers are re-numbered past the evidence already accumulated so
// they stay unique across retrieval passes.
func mergeToolProducts(delta *Delta, result *datatypes.ToolResult) {
	if result.Output == nil {
		return
	}
	if chunks, ok := result.Output["chunks"].([]datatypes.EvidenceItem); ok {
		delta.Chunks = chunks
	}
	if summaries, ok := result.Output["summaries"].([]datatypes.EvidenceItem); ok {
		delta.Summaries = summaries
	}
	if groups, ok := result.Output["groups"].([]datatypes.SubqueryGroup); ok {
		delta.SubqueryGroups = groups
	}
	if diag, ok := result.Metadata["diagnostics"].(*datatypes.RetrievalDiagnostics); ok {
		delta.Retrieval = diag
	}
	if delta.WorkingMemory == nil {
		delta.WorkingMemory = make(map[string]any)
	}
	delta.WorkingMemory[result.Tool] = result.Output
}

// toolStep records one clipped audit entry for a tool invocation.
func toolStep(state *datatypes.FlowState, tool string, args map[string]any, result *datatypes.ToolResult) datatypes.ReasoningStep {
	step := datatypes.ReasoningStep{
		Index: state.NextStepIndex(),
		Type:  datatypes.StepTool,
		Tool:  tool,
		OK:    result.OK,
		Error: result.Error,
	}
	if query, ok := args["query"].(string); ok {
		step.Input = map[string]any{"query": clipText(query, maxStepChars)}
	}
	step.Description = clipText(describeResult(result), maxStepChars)
	return step
}

func describeResult(result *datatypes.ToolResult) string {
	if !result.OK {
		return result.Tool + " failed: " + result.Error
	}
	return result.Tool + " ok"
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
