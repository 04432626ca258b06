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
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

// Delta is the only way a node mutates flow state. The merge discipline is
// fixed: lists append, scalars overwrite when set, timing maps accumulate,
// working memory unions per key. Nodes never touch the state they were
// handed.
type Delta struct {
	WorkingQuery *string

	Intent        *datatypes.QueryIntent
	RetrievalPlan *datatypes.RetrievalPlan
	ToolPlan      []datatypes.ToolCall
	ToolCursor    *int
	ToolResults   []datatypes.ToolResult

	PlanAttemptsInc int
	ReflectionsInc  int

	Chunks         []datatypes.EvidenceItem
	Summaries      []datatypes.EvidenceItem
	SubqueryGroups []datatypes.SubqueryGroup
	PartialAnswers []datatypes.PartialAnswer

	WorkingMemory map[string]any
	Retrieval     *datatypes.RetrievalDiagnostics

	ReasoningSteps []datatypes.ReasoningStep
	StageTimingsMS map[string]int64
	ToolTimingsMS  map[string]int64

	NextAction datatypes.NextAction
	StopReason datatypes.StopReason

	Clarification    *datatypes.ClarificationRequest
	InterruptionsInc int

	Draft      *datatypes.AnswerDraft
	Validation *datatypes.ValidationResult
}

// apply merges a delta into the state. Called only by the kernel loop, which
// serializes all mutations.
func apply(state *datatypes.FlowState, d *Delta) {
	if d == nil {
		return
	}

	if d.WorkingQuery != nil {
		state.WorkingQuery = *d.WorkingQuery
	}
	if d.Intent != nil {
		state.Intent = d.Intent
	}
	if d.RetrievalPlan != nil {
		state.RetrievalPlan = d.RetrievalPlan
	}
	if d.ToolPlan != nil {
		state.ToolPlan = d.ToolPlan
	}
	if d.ToolCursor != nil {
		state.ToolCursor = *d.ToolCursor
	}
	state.ToolResults = append(state.ToolResults, d.ToolResults...)

	state.PlanAttempts += d.PlanAttemptsInc
	state.Reflections += d.ReflectionsInc
	state.InteractionInterruptions += d.InterruptionsInc

	state.Chunks = append(state.Chunks, d.Chunks...)
	state.Summaries = append(state.Summaries, d.Summaries...)
	state.SubqueryGroups = append(state.SubqueryGroups, d.SubqueryGroups...)
	state.PartialAnswers = append(state.PartialAnswers, d.PartialAnswers...)
	state.ReasoningSteps = append(state.ReasoningSteps, d.ReasoningSteps...)

	for k, v := range d.WorkingMemory {
		if state.WorkingMemory == nil {
			state.WorkingMemory = make(map[string]any)
		}
		state.WorkingMemory[k] = v
	}
	for k, v := range d.StageTimingsMS {
		if state.StageTimingsMS == nil {
			state.StageTimingsMS = make(map[string]int64)
		}
		state.StageTimingsMS[k] += v
	}
	for k, v := range d.ToolTimingsMS {
		if state.ToolTimingsMS == nil {
			state.ToolTimingsMS = make(map[string]int64)
		}
		state.ToolTimingsMS[k] += v
	}

	if d.Retrieval != nil {
		if state.Retrieval == nil {
			state.Retrieval = d.Retrieval
		} else {
			state.Retrieval.MergeTrace(d.Retrieval)
		}
	}

	if d.NextAction != "" {
		state.NextAction = d.NextAction
	}
	// First terminal reason wins: a degraded flow that still reaches the
	// generator keeps the reason it degraded for.
	if d.StopReason != "" && state.StopReason == "" {
		state.StopReason = d.StopReason
	}
	if d.Clarification != nil {
		state.Clarification = d.Clarification
	}
	if d.Draft != nil {
		state.Draft = d.Draft
	}
	if d.Validation != nil {
		state.Validation = d.Validation
	}
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
