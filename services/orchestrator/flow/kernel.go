// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flow is the orchestrator kernel: a bounded, cancellable state
// machine over FlowState. Nodes (plan, execute, reflect, aggregate,
// generate, validate) read a state snapshot and return deltas; the kernel
// loop merges deltas, routes on NextAction, and enforces the global budget,
// the step cap, and the replan/reflection ceilings.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/llm"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/config"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/generator"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/retrieval"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/tools"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/validation"
)

var kernelTracer = otel.Tracer("cire.orchestrator.flow")

var (
	flowRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cire_flow_runs_total",
		Help: "Completed flows by stop reason",
	}, []string{"stop_reason"})

	flowDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cire_flow_duration_seconds",
		Help:    "End-to-end flow duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	flowSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cire_flow_steps",
		Help:    "Kernel loop iterations per flow",
		Buckets: prometheus.LinearBuckets(1, 2, 16),
	})
)

// maxKernelSteps bounds the node loop independently of all other caps, so a
// routing bug can never spin.
const maxKernelSteps = 32

// Kernel wires the node implementations and their dependencies.
type Kernel struct {
	cfg       *config.Settings
	registry  *tools.Registry
	generate  generator.Generator
	fallback  generator.Generator
	validator validation.CitationValidator
	// model used for clarification drafting and aggregation summaries;
	// nil degrades both to templates.
	model llm.LLMClient
}

// NewKernel builds the kernel. generate may be nil when no LLM backend is
// configured; template synthesis then serves every flow.
func NewKernel(cfg *config.Settings, registry *tools.Registry, gen generator.Generator, model llm.LLMClient) *Kernel {
	if gen == nil {
		gen = generator.TemplateGenerator{}
	}
	return &Kernel{
		cfg:      cfg,
		registry: registry,
		generate: gen,
		fallback: generator.TemplateGenerator{},
		model:    model,
	}
}

// run carries the per-flow context every node needs.
type run struct {
	state *datatypes.FlowState
	prof  *profile.AgentProfile
	scope retrieval.ScopeContext
	led   *ledger
}

// Run drives one flow to a terminal state. The returned state always has a
// non-empty StopReason; the only errors are scope rejection (surfaced for
// the structured HTTP payload) and context cancellation from the caller.
func (k *Kernel) Run(ctx context.Context, state *datatypes.FlowState, prof *profile.AgentProfile, scope retrieval.ScopeContext) (*datatypes.FlowState, error) {
	ctx, span := kernelTracer.Start(ctx, "Kernel.Run")
	defer span.End()
	started := time.Now()

	r := &run{state: state, prof: prof, scope: scope, led: newLedger(k.cfg.TotalBudget())}

	steps := 0
	for state.NextAction != datatypes.ActionDone {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return state, fmt.Errorf("flow cancelled: %w", err)
		}
		if steps >= maxKernelSteps {
			k.terminate(r, datatypes.StopMaxStepsReached)
			break
		}
		if r.led.exhausted() {
			k.terminate(r, datatypes.StopOrchestratorTimeout)
			break
		}
		steps++

		delta, err := k.dispatch(ctx, r)
		if err != nil {
			if sve := retrieval.AsScopeValidationError(err); sve != nil {
				return state, sve
			}
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}
		apply(state, delta)
	}

	if state.StopReason == "" {
		state.StopReason = datatypes.StopDone
	}
	span.SetAttributes(
		attribute.String("stop_reason", string(state.StopReason)),
		attribute.Int("steps", steps),
		attribute.Int("plan_attempts", state.PlanAttempts),
		attribute.Int("reflections", state.Reflections),
	)
	flowRuns.WithLabelValues(string(state.StopReason)).Inc()
	flowDuration.Observe(time.Since(started).Seconds())
	flowSteps.Observe(float64(steps))
	return state, nil
}

// dispatch routes the current action to its node.
func (k *Kernel) dispatch(ctx context.Context, r *run) (*Delta, error) {
	action := r.state.NextAction
	slog.Debug("Kernel step", "action", string(action), "trace_id", r.state.TraceID)

	switch action {
	case "", datatypes.ActionReplan:
		return k.planNode(ctx, r)
	case datatypes.ActionExecuteTool:
		return k.executeNode(ctx, r)
	case datatypes.ActionAggregate:
		return k.aggregateNode(ctx, r)
	case datatypes.ActionGenerate:
		return k.generateNode(ctx, r)
	case datatypes.ActionValidate:
		return k.validateNode(ctx, r)
	default:
		return nil, fmt.Errorf("unroutable action %q", action)
	}
}

// terminate stamps a terminal disposition on a flow the loop had to cut
// short. A draft already produced stands; otherwise the template generator
// gets one last chance to say something grounded.
func (k *Kernel) terminate(r *run, reason datatypes.StopReason) {
	r.state.NextAction = datatypes.ActionDone
	if r.state.StopReason == "" {
		r.state.StopReason = reason
	}
	if r.state.Draft == nil {
		draft, err := k.fallback.Generate(context.Background(), r.state, r.prof)
		if err == nil {
			r.state.Draft = draft
		}
	}
}

// Trace assembles the observability summary for the response.
func Trace(state *datatypes.FlowState, budgets config.StageTimeouts) *datatypes.ReasoningTrace {
	var toolsUsed []string
	seen := make(map[string]bool)
	for _, res := range state.ToolResults {
		if !seen[res.Tool] {
			seen[res.Tool] = true
			toolsUsed = append(toolsUsed, res.Tool)
		}
	}

	confidence := 0.0
	if state.Intent != nil {
		confidence = state.Intent.Confidence
	}
	if state.Validation != nil && !state.Validation.Accepted {
		confidence = 0
	}

	var coverage map[string]any
	if raw, ok := state.WorkingMemory["expectation_coverage"].(map[string]any); ok {
		coverage = raw
	}

	totalMS := state.Elapsed().Milliseconds()
	timings := make(map[string]int64, len(state.StageTimingsMS)+1)
	for stage, ms := range state.StageTimingsMS {
		timings[stage] = ms
	}
	timings["total"] = totalMS

	return &datatypes.ReasoningTrace{
		StageTimingsMS: timings,
		ToolTimingsMS:  state.ToolTimingsMS,
		StageBudgetsMS: map[string]int64{
			"plan":         budgets.PlanMS,
			"execute_tool": budgets.ExecuteToolMS,
			"generate":     budgets.GenerateMS,
			"validate":     budgets.ValidateMS,
		},
		PlanAttempts:        state.PlanAttempts,
		Reflections:         state.Reflections,
		ToolsUsed:           toolsUsed,
		FinalConfidence:     confidence,
		StopReason:          state.StopReason,
		Steps:               state.ReasoningSteps,
		ExpectationCoverage: coverage,
		TotalMS:             totalMS,
	}
}
