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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/config"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/retrieval"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/tools"
)

// stubTool lets a test script the retrieval tool's behavior per invocation.
type stubTool struct {
	name string
	fn   func(inv tools.Invocation) (*datatypes.ToolResult, error)
}

func (s stubTool) Name() string { return s.name }

func (s stubTool) Execute(_ context.Context, inv tools.Invocation) (*datatypes.ToolResult, error) {
	return s.fn(inv)
}

func testSettings() *config.Settings {
	return &config.Settings{
		TotalTimeoutMS: 90_000,
		Stages: config.StageTimeouts{
			PlanMS:        4_000,
			ExecuteToolMS: 25_000,
			GenerateMS:    35_000,
			ValidateMS:    1_000,
		},
	}
}

func evidenceChunk(marker, content string) datatypes.EvidenceItem {
	return datatypes.EvidenceItem{Source: marker, Content: content, Score: 0.8}
}

func retrievalStub(chunks ...datatypes.EvidenceItem) stubTool {
	return stubTool{
		name: profile.DefaultTool,
		fn: func(tools.Invocation) (*datatypes.ToolResult, error) {
			return &datatypes.ToolResult{
				Tool:   profile.DefaultTool,
				OK:     true,
				Output: map[string]any{"chunks": chunks},
			}, nil
		},
	}
}

func newTestKernel(t *testing.T, tool tools.Tool) *Kernel {
	t.Helper()
	registry := tools.NewRegistry()
	if tool != nil {
		registry.Register(tool)
	}
	return NewKernel(testSettings(), registry, nil, nil)
}

func TestKernelHappyPath(t *testing.T) {
	kernel := newTestKernel(t, retrievalStub(
		evidenceChunk("C1", "La organización debe realizar el seguimiento del desempeño."),
	))
	state := datatypes.NewFlowState("requisitos de seguimiento del desempeño", "t", "c")

	out, err := kernel.Run(context.Background(), state, profile.Default("t"), retrieval.ScopeContext{})
	require.NoError(t, err)

	assert.Equal(t, datatypes.StopDone, out.StopReason)
	assert.Equal(t, datatypes.ActionDone, out.NextAction)
	require.NotNil(t, out.Draft)
	assert.Contains(t, out.Draft.Text, "[C1]")
	require.NotNil(t, out.Validation)
	assert.True(t, out.Validation.Accepted)
	assert.Zero(t, out.PlanAttempts)
	require.Len(t, out.ToolResults, 1)
	assert.Len(t, out.Chunks, 1)
}

func TestKernelReplanCapOnEmptyRetrieval(t *testing.T) {
	calls := 0
	tool := stubTool{
		name: profile.DefaultTool,
		fn: func(tools.Invocation) (*datatypes.ToolResult, error) {
			calls++
			return &datatypes.ToolResult{
				Tool:  profile.DefaultTool,
				OK:    false,
				Error: datatypes.CodeEmptyRetrieval,
			}, nil
		},
	}
	kernel := newTestKernel(t, tool)
	state := datatypes.NewFlowState("consulta sin resultados en el índice", "t", "c")

	out, err := kernel.Run(context.Background(), state, profile.Default("t"), retrieval.ScopeContext{})
	require.NoError(t, err)

	// Two replans, then the flow degrades forward instead of spinning.
	assert.Equal(t, datatypes.MaxPlanAttempts-1, out.PlanAttempts)
	assert.Equal(t, datatypes.MaxPlanAttempts, calls)
	assert.Equal(t, datatypes.StopValidationFailed, out.StopReason)
	require.NotNil(t, out.Draft)
	assert.Equal(t, "No puedo responder con la evidencia disponible sin riesgo de imprecisión normativa.", out.Draft.Text)
	assert.Equal(t, datatypes.CodeEmptyRetrieval, out.WorkingMemory["last_replan_reason"])
}

func TestKernelClarificationInterrupt(t *testing.T) {
	prof := profile.Default("t")
	prof.Interaction.RequiredSlots = map[string][]string{"explanatory": {"scope"}}

	kernel := newTestKernel(t, nil)
	state := datatypes.NewFlowState("qué exige la norma sobre auditorías", "t", "c")

	out, err := kernel.Run(context.Background(), state, prof, retrieval.ScopeContext{})
	require.NoError(t, err)

	assert.Equal(t, datatypes.StopAwaitingClarification, out.StopReason)
	require.NotNil(t, out.Clarification)
	assert.Equal(t, datatypes.InteractionLevelL2, out.Clarification.Level)
	assert.Equal(t, []string{"scope"}, out.Clarification.MissingSlots)
	assert.NotEmpty(t, out.Clarification.Question)
	assert.Equal(t, 1, out.InteractionInterruptions)
	assert.Nil(t, out.Validation)
}

func TestKernelClarificationReplyFlowsIntoPlan(t *testing.T) {
	kernel := newTestKernel(t, retrievalStub(evidenceChunk("C1", "seguimiento del desempeño")))

	prof := profile.Default("t")
	prof.Interaction.RequiredSlots = map[string][]string{"explanatory": {"scope"}}

	state := datatypes.NewFlowState("qué exige la norma sobre auditorías", "t", "c")
	state.WorkingMemory["clarification_context"] = &datatypes.ClarificationContext{
		Answer:          "me refiero a la ISO 9001",
		RequestedScopes: []string{"ISO 9001"},
	}

	out, err := kernel.Run(context.Background(), state, prof, retrieval.ScopeContext{})
	require.NoError(t, err)

	// The confirmed scope fills the required slot, so no second interrupt.
	assert.Nil(t, out.Clarification)
	require.NotNil(t, out.RetrievalPlan)
	assert.Contains(t, out.RetrievalPlan.RequestedStandards, "ISO 9001")
	assert.Equal(t, datatypes.StopDone, out.StopReason)
}

func TestKernelPlanApprovalInterrupt(t *testing.T) {
	prof := profile.Default("t")
	prof.Interaction.SubqueryThresholdL3 = 2

	kernel := newTestKernel(t, nil)
	state := datatypes.NewFlowState("Compara ISO 9001 con ISO 27001 e ISO 14001", "t", "c")

	out, err := kernel.Run(context.Background(), state, prof, retrieval.ScopeContext{})
	require.NoError(t, err)

	assert.Equal(t, datatypes.StopAwaitingPlanApproval, out.StopReason)
	require.NotNil(t, out.Clarification)
	assert.Equal(t, datatypes.InteractionKindPlanApproval, out.Clarification.Kind)
	assert.Equal(t, datatypes.InteractionLevelL3, out.Clarification.Level)
	assert.Equal(t, []string{"continuar", "reducir alcance"}, out.Clarification.Options)
}

func TestKernelBudgetExhaustion(t *testing.T) {
	cfg := testSettings()
	// Less than the shutdown headroom: the loop terminates before any node.
	cfg.TotalTimeoutMS = 100

	kernel := NewKernel(cfg, tools.NewRegistry(), nil, nil)
	state := datatypes.NewFlowState("cualquier consulta", "t", "c")

	out, err := kernel.Run(context.Background(), state, profile.Default("t"), retrieval.ScopeContext{})
	require.NoError(t, err)

	assert.Equal(t, datatypes.StopOrchestratorTimeout, out.StopReason)
	assert.Equal(t, datatypes.ActionDone, out.NextAction)
	// The template fallback still answers something.
	require.NotNil(t, out.Draft)
	assert.NotEmpty(t, out.Draft.Text)
}

func TestKernelUnregisteredToolDegrades(t *testing.T) {
	kernel := newTestKernel(t, nil) // empty registry
	state := datatypes.NewFlowState("requisitos de seguimiento ISO 9001", "t", "c")

	out, err := kernel.Run(context.Background(), state, profile.Default("t"), retrieval.ScopeContext{})
	require.NoError(t, err)

	assert.Equal(t, datatypes.StopToolErrorNonRetryable, out.StopReason)
	require.NotEmpty(t, out.ToolResults)
	assert.Equal(t, datatypes.CodeToolNotRegistered, out.ToolResults[0].Error)
	require.NotNil(t, out.Validation)
	assert.False(t, out.Validation.Accepted)
}

func TestKernelScopeRejectionPropagates(t *testing.T) {
	tool := stubTool{
		name: profile.DefaultTool,
		fn: func(tools.Invocation) (*datatypes.ToolResult, error) {
			return nil, &retrieval.ScopeValidationError{Violations: []string{"tenant sin acceso"}}
		},
	}
	kernel := newTestKernel(t, tool)
	state := datatypes.NewFlowState("consulta fuera de alcance", "t", "c")

	_, err := kernel.Run(context.Background(), state, profile.Default("t"), retrieval.ScopeContext{})
	require.Error(t, err)

	sve := retrieval.AsScopeValidationError(err)
	require.NotNil(t, sve)
	assert.Equal(t, []string{"tenant sin acceso"}, sve.Violations)
}

func TestKernelMidFlowScopeClarification(t *testing.T) {
	tool := stubTool{
		name: profile.DefaultTool,
		fn: func(tools.Invocation) (*datatypes.ToolResult, error) {
			return &datatypes.ToolResult{
				Tool: profile.DefaultTool,
				OK:   true,
				Output: map[string]any{
					"needs_clarification": true,
					"suggested_scopes":    []string{"ISO 9001", "ISO 27001"},
				},
			}, nil
		},
	}
	kernel := newTestKernel(t, tool)
	state := datatypes.NewFlowState("requisitos de auditoría", "t", "c")

	out, err := kernel.Run(context.Background(), state, profile.Default("t"), retrieval.ScopeContext{})
	require.NoError(t, err)

	assert.Equal(t, datatypes.StopAwaitingClarification, out.StopReason)
	require.NotNil(t, out.Clarification)
	assert.Equal(t, []string{"ISO 9001", "ISO 27001"}, out.Clarification.Options)
}

func TestKernelReplansOnRetrievalTimeout(t *testing.T) {
	calls := 0
	tool := stubTool{
		name: profile.DefaultTool,
		fn: func(tools.Invocation) (*datatypes.ToolResult, error) {
			calls++
			return &datatypes.ToolResult{
				Tool:  profile.DefaultTool,
				OK:    false,
				Error: datatypes.CodeToolTimeout,
			}, nil
		},
	}
	kernel := newTestKernel(t, tool)
	state := datatypes.NewFlowState("requisitos de seguimiento ISO 9001", "t", "c")

	out, err := kernel.Run(context.Background(), state, profile.Default("t"), retrieval.ScopeContext{})
	require.NoError(t, err)

	// A timed-out retrieval pass replans like any retryable signal instead
	// of ending the flow on the first attempt.
	assert.Equal(t, datatypes.MaxPlanAttempts, calls)
	assert.Equal(t, datatypes.MaxPlanAttempts-1, out.PlanAttempts)
	assert.Equal(t, datatypes.CodeToolTimeout, out.WorkingMemory["last_replan_reason"])
	assert.NotEqual(t, datatypes.StopToolErrorNonRetryable, out.StopReason)
	assert.Equal(t, datatypes.StopValidationFailed, out.StopReason)
}

func TestReflectTimeoutOutsideRetrievalStaysTerminal(t *testing.T) {
	kernel := newTestKernel(t, nil)
	state := datatypes.NewFlowState("calcula el total", "t", "c")
	state.ToolPlan = []datatypes.ToolCall{{Tool: "python_calculator"}}
	r := &run{state: state, prof: profile.Default("t"), led: newLedger(time.Minute)}

	result := &datatypes.ToolResult{Tool: "python_calculator", OK: false, Error: datatypes.CodeToolTimeout}
	delta := kernel.reflectAfter(&Delta{}, r, result)

	assert.Zero(t, delta.PlanAttemptsInc)
	assert.Equal(t, datatypes.ActionGenerate, delta.NextAction)
	assert.Equal(t, datatypes.StopToolErrorNonRetryable, delta.StopReason)
}

func TestKernelReplansOnLowScoreDespiteEvidence(t *testing.T) {
	calls := 0
	tool := stubTool{
		name: profile.DefaultTool,
		fn: func(tools.Invocation) (*datatypes.ToolResult, error) {
			calls++
			if calls == 1 {
				// Degraded pass: some evidence survived the backstop, but the
				// signal still warrants a retry.
				return &datatypes.ToolResult{
					Tool:   profile.DefaultTool,
					OK:     false,
					Error:  datatypes.CodeLowScore,
					Output: map[string]any{"chunks": []datatypes.EvidenceItem{evidenceChunk("C1", "texto marginal")}},
				}, nil
			}
			return &datatypes.ToolResult{
				Tool:   profile.DefaultTool,
				OK:     true,
				Output: map[string]any{"chunks": []datatypes.EvidenceItem{evidenceChunk("C2", "la organización debe realizar el seguimiento")}},
			}, nil
		},
	}
	kernel := newTestKernel(t, tool)
	state := datatypes.NewFlowState("requisitos de seguimiento del desempeño", "t", "c")

	out, err := kernel.Run(context.Background(), state, profile.Default("t"), retrieval.ScopeContext{})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, out.PlanAttempts)
	assert.Equal(t, datatypes.CodeLowScore, out.WorkingMemory["last_replan_reason"])
	// Evidence from the degraded pass is kept alongside the retry's.
	assert.Len(t, out.Chunks, 2)
	assert.Equal(t, datatypes.StopDone, out.StopReason)
}

func TestKernelValidationRejectionIsTerminal(t *testing.T) {
	calls := 0
	tool := stubTool{
		name: profile.DefaultTool,
		fn: func(tools.Invocation) (*datatypes.ToolResult, error) {
			calls++
			return &datatypes.ToolResult{
				Tool:   profile.DefaultTool,
				OK:     true,
				Output: map[string]any{"chunks": []datatypes.EvidenceItem{}},
			}, nil
		},
	}
	kernel := newTestKernel(t, tool)
	state := datatypes.NewFlowState("requisitos de seguimiento ISO 9001", "t", "c")

	out, err := kernel.Run(context.Background(), state, profile.Default("t"), retrieval.ScopeContext{})
	require.NoError(t, err)

	// A rejected answer never loops back through the planner: one retrieval
	// pass, fallback substitution, terminal stop.
	assert.Equal(t, 1, calls)
	assert.Zero(t, out.PlanAttempts)
	assert.Equal(t, datatypes.StopValidationFailed, out.StopReason)
	require.NotNil(t, out.Validation)
	assert.False(t, out.Validation.Accepted)
	assert.Contains(t, out.Validation.Issues, datatypes.IssueNoRetrievalEvidence)
	require.NotNil(t, out.Draft)
	assert.Equal(t, "No puedo responder con la evidencia disponible sin riesgo de imprecisión normativa.", out.Draft.Text)
}

func TestTraceRecordsTotalTiming(t *testing.T) {
	state := datatypes.NewFlowState("consulta", "t", "c")
	state.StageTimingsMS = map[string]int64{"plan": 12}

	trace := Trace(state, testSettings().Stages)

	assert.Contains(t, trace.StageTimingsMS, "total")
	assert.Equal(t, trace.TotalMS, trace.StageTimingsMS["total"])
	assert.Equal(t, int64(12), trace.StageTimingsMS["plan"])
	// The trace copy never leaks the synthetic entry back into the state.
	assert.NotContains(t, state.StageTimingsMS, "total")
}

func TestTraceZeroesConfidenceOnRejection(t *testing.T) {
	state := datatypes.NewFlowState("consulta", "t", "c")
	state.Intent = &datatypes.QueryIntent{Mode: "explanatory", Confidence: 0.9}
	state.Validation = &datatypes.ValidationResult{Accepted: false, Issues: []string{datatypes.IssueNoRetrievalEvidence}}
	state.StopReason = datatypes.StopValidationFailed
	state.ToolResults = []datatypes.ToolResult{
		{Tool: profile.DefaultTool, OK: true},
		{Tool: profile.DefaultTool, OK: false},
	}

	trace := Trace(state, testSettings().Stages)

	assert.Zero(t, trace.FinalConfidence)
	assert.Equal(t, datatypes.StopValidationFailed, trace.StopReason)
	assert.Equal(t, []string{profile.DefaultTool}, trace.ToolsUsed)
	assert.Equal(t, int64(4_000), trace.StageBudgetsMS["plan"])
}
