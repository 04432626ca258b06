// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the orchestrator
// kernel: flow state, plans, tool results, evidence, diagnostics, and the
// HTTP request/response surface.
//
// All types in this package are plain records. Behavior lives in the
// packages that own each concern (flow, retrieval, validation); datatypes
// only carries constructors, defaults, and validation tags so that every
// layer agrees on one schema.
//
// Thread Safety:
//
//	Types here are not internally synchronized. FlowState is owned by the
//	flow runtime, which serializes all mutations through delta merging.
package datatypes

import "time"

// =============================================================================
// Flow Constants
// =============================================================================

const (
	// MaxPlanAttempts is the hard cap on replans per query, independent of
	// any deadline state.
	MaxPlanAttempts = 3

	// HardMaxReflections bounds profile-configured reflection budgets.
	HardMaxReflections = 6
)

// NextAction is the routing decision recorded on FlowState after each node.
type NextAction string

const (
	ActionExecuteTool NextAction = "execute_tool"
	ActionReplan      NextAction = "replan"
	ActionAggregate   NextAction = "aggregate"
	ActionGenerate    NextAction = "generate"
	ActionValidate    NextAction = "validate"
	ActionDone        NextAction = "done"
)

// StopReason is the terminal disposition of a flow. Every terminal state
// carries a non-empty stop reason.
type StopReason string

const (
	StopDone                   StopReason = "done"
	StopValidationFailed       StopReason = "validation_failed"
	StopPlannerTimeout         StopReason = "planner_timeout"
	StopGeneratorTimeout       StopReason = "generator_timeout"
	StopOrchestratorTimeout    StopReason = "orchestrator_timeout"
	StopMaxStepsReached        StopReason = "max_steps_reached"
	StopToolErrorUnrecoverable StopReason = "tool_error_unrecoverable"
	StopToolErrorNonRetryable  StopReason = "tool_error_non_retryable"
	StopMissingPlan            StopReason = "missing_plan"
	StopMissingRetrievalPlan   StopReason = "missing_retrieval_plan"
	StopAwaitingClarification  StopReason = "awaiting_clarification"
	StopAwaitingPlanApproval   StopReason = "awaiting_plan_approval"
)

// StepType classifies entries in the reasoning trace.
type StepType string

const (
	StepPlan       StepType = "plan"
	StepTool       StepType = "tool"
	StepReflection StepType = "reflection"
	StepSynthesis  StepType = "synthesis"
	StepValidation StepType = "validation"
)

// =============================================================================
// Reasoning Steps
// =============================================================================

// ReasoningStep is one entry in the append-only audit trail. Index is
// monotone within a flow; I/O payloads are sanitized and clipped before
// being recorded.
type ReasoningStep struct {
	Index       int            `json:"index"`
	Type        StepType       `json:"type"`
	Tool        string         `json:"tool,omitempty"`
	Description string         `json:"description"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	OK          bool           `json:"ok"`
	Error       string         `json:"error,omitempty"`
}

// =============================================================================
// FlowState
// =============================================================================

// FlowState is the shared record the graph runtime threads through the
// kernel nodes. Nodes read a snapshot and return a delta; the runtime merges
// deltas append-only for lists, overwrite for scalars, union for timing maps.
//
// WorkingQuery is only ever reset to UserQuery on replan. Retry signals
// travel in WorkingMemory["last_replan_reason"], never in the query text
// that reaches the embedding layer.
type FlowState struct {
	// Identity and scope context.
	UserQuery    string `json:"user_query"`
	WorkingQuery string `json:"working_query"`
	TenantID     string `json:"tenant_id"`
	CollectionID string `json:"collection_id"`
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`

	// Planning products.
	Intent        *QueryIntent   `json:"intent,omitempty"`
	RetrievalPlan *RetrievalPlan `json:"retrieval_plan,omitempty"`
	ToolPlan      []ToolCall     `json:"tool_plan,omitempty"`
	ToolCursor    int            `json:"tool_cursor"`
	ToolResults   []ToolResult   `json:"tool_results,omitempty"`

	// Reflection bookkeeping.
	PlanAttempts int `json:"plan_attempts"`
	Reflections  int `json:"reflections"`

	// Evidence accumulated across retrieval passes (append, never replace).
	Chunks         []EvidenceItem  `json:"chunks,omitempty"`
	Summaries      []EvidenceItem  `json:"summaries,omitempty"`
	SubqueryGroups []SubqueryGroup `json:"subquery_groups,omitempty"`
	PartialAnswers []PartialAnswer `json:"partial_answers,omitempty"`

	// WorkingMemory is keyed by tool name, plus reserved keys such as
	// "last_replan_reason" and "expectation_coverage".
	WorkingMemory map[string]any `json:"working_memory,omitempty"`

	Retrieval *RetrievalDiagnostics `json:"retrieval,omitempty"`

	// Audit trail and timings.
	ReasoningSteps []ReasoningStep          `json:"reasoning_steps,omitempty"`
	StageTimingsMS map[string]int64         `json:"stage_timings_ms,omitempty"`
	ToolTimingsMS  map[string]int64         `json:"tool_timings_ms,omitempty"`
	FlowStart      time.Time                `json:"flow_start_wallclock"`

	// Routing and termination.
	NextAction NextAction `json:"next_action,omitempty"`
	StopReason StopReason `json:"stop_reason,omitempty"`

	// Interaction.
	Clarification            *ClarificationRequest `json:"clarification_request,omitempty"`
	InteractionInterruptions int                   `json:"interaction_interruptions"`

	// Products of the tail nodes.
	Draft      *AnswerDraft      `json:"draft,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// NewFlowState initializes a flow for a query. WorkingQuery starts equal to
// UserQuery and FlowStart anchors the total wall-clock budget.
func NewFlowState(query, tenantID, collectionID string) *FlowState {
	return &FlowState{
		UserQuery:      query,
		WorkingQuery:   query,
		TenantID:       tenantID,
		CollectionID:   collectionID,
		WorkingMemory:  make(map[string]any),
		StageTimingsMS: make(map[string]int64),
		ToolTimingsMS:  make(map[string]int64),
		FlowStart:      time.Now(),
	}
}

// Elapsed reports wall-clock time since the flow started.
func (s *FlowState) Elapsed() time.Duration {
	return time.Since(s.FlowStart)
}

// NextStepIndex returns the index the next reasoning step must carry to keep
// the trail monotone.
func (s *FlowState) NextStepIndex() int {
	return len(s.ReasoningSteps)
}

// CurrentTool returns the pending tool call, or nil when the cursor is at or
// past the end of the plan.
func (s *FlowState) CurrentTool() *ToolCall {
	if s.ToolCursor < 0 || s.ToolCursor >= len(s.ToolPlan) {
		return nil
	}
	return &s.ToolPlan[s.ToolCursor]
}

// LastResult returns the most recent tool result, or nil.
func (s *FlowState) LastResult() *ToolResult {
	if len(s.ToolResults) == 0 {
		return nil
	}
	return &s.ToolResults[len(s.ToolResults)-1]
}
