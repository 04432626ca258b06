// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Answer and Validation
// =============================================================================

// AnswerDraft is the generator's product before validation.
type AnswerDraft struct {
	Text     string         `json:"text"`
	Mode     string         `json:"mode"`
	Evidence []EvidenceItem `json:"evidence,omitempty"`
}

// ValidationResult is the citation validator's verdict. Issues are
// human-readable strings from the closed taxonomy in errors.go.
type ValidationResult struct {
	Accepted bool     `json:"accepted"`
	Issues   []string `json:"issues,omitempty"`
}

// =============================================================================
// Clarification
// =============================================================================

// Interaction levels and kinds for clarification interrupts.
const (
	InteractionKindClarification = "clarification"
	InteractionKindPlanApproval  = "plan_approval"

	InteractionLevelL2 = "L2"
	InteractionLevelL3 = "L3"
)

// ClarificationRequest is the structured interrupt returned instead of an
// answer when the planner needs user input.
type ClarificationRequest struct {
	Kind           string   `json:"kind"`
	Level          string   `json:"level"`
	Question       string   `json:"question"`
	Options        []string `json:"options,omitempty"`
	MissingSlots   []string `json:"missing_slots,omitempty"`
	ExpectedAnswer string   `json:"expected_answer,omitempty"`
}

// ClarificationContext carries the user's reply to a prior clarification so
// the planner can merge extracted slot values before deciding again.
type ClarificationContext struct {
	Question        string   `json:"question,omitempty"`
	Answer          string   `json:"answer,omitempty"`
	RequestedScopes []string `json:"requested_scopes,omitempty"`
}

// =============================================================================
// HTTP Surface
// =============================================================================

// AskRequest is the body of POST /api/v1/ask.
type AskRequest struct {
	Query                string                `json:"query" binding:"required" validate:"required,min=1,max=4000"`
	TenantID             string                `json:"tenant_id" binding:"required" validate:"required"`
	CollectionID         string                `json:"collection_id" binding:"required" validate:"required"`
	SessionID            string                `json:"session_id,omitempty"`
	ClarificationContext *ClarificationContext `json:"clarification_context,omitempty"`
}

// EnsureSessionID generates a session identifier when the client did not
// provide one, mirroring session handling elsewhere in the platform.
func (r *AskRequest) EnsureSessionID() string {
	if r.SessionID == "" {
		r.SessionID = "sess_" + uuid.NewString()
	}
	return r.SessionID
}

// ReasoningTrace is the observability summary embedded in every response.
type ReasoningTrace struct {
	StageTimingsMS      map[string]int64 `json:"stage_timings_ms,omitempty"`
	ToolTimingsMS       map[string]int64 `json:"tool_timings_ms,omitempty"`
	StageBudgetsMS      map[string]int64 `json:"stage_budgets_ms,omitempty"`
	PlanAttempts        int              `json:"plan_attempts"`
	Reflections         int              `json:"reflections"`
	ToolsUsed           []string         `json:"tools_used,omitempty"`
	FinalConfidence     float64          `json:"final_confidence"`
	StopReason          StopReason       `json:"stop_reason"`
	Steps               []ReasoningStep  `json:"steps,omitempty"`
	ExpectationCoverage map[string]any   `json:"expectation_coverage,omitempty"`
	TotalMS             int64            `json:"total_ms"`
}

// AskResponse is the single structured result per query.
type AskResponse struct {
	ID            string                `json:"id"`
	Intent        *QueryIntent          `json:"intent,omitempty"`
	Plan          *RetrievalPlan        `json:"plan,omitempty"`
	Answer        string                `json:"answer"`
	Validation    *ValidationResult     `json:"validation,omitempty"`
	Retrieval     *RetrievalDiagnostics `json:"retrieval_diagnostics,omitempty"`
	Clarification *ClarificationRequest `json:"clarification,omitempty"`
	Trace         *ReasoningTrace       `json:"reasoning_trace,omitempty"`
	Engine        string                `json:"engine"`
	SessionID     string                `json:"session_id,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
}

// NewAskResponse stamps identity fields on a response.
func NewAskResponse(engine, sessionID string) *AskResponse {
	return &AskResponse{
		ID:        "resp_" + uuid.NewString(),
		Engine:    engine,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
}
