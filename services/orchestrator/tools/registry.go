// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools hosts the kernel's tool surface: a name-keyed registry and
// the built-in tools the planner may schedule. Tools degrade into structured
// ToolResult errors; only unrecoverable conditions escape as Go errors.
package tools

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/retrieval"
)

var toolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cire_tool_invocations_total",
	Help: "Tool executions by tool name and outcome",
}, []string{"tool", "outcome"})

// Invocation is the full context a tool receives: the merged arguments from
// the plan step plus read-only views of the flow state and tenant profile.
type Invocation struct {
	Args    map[string]any
	State   *datatypes.FlowState
	Profile *profile.AgentProfile
	Scope   retrieval.ScopeContext
}

// Tool is one schedulable capability. Execute returns a structured result
// for every recoverable condition; a non-nil error aborts the flow.
type Tool interface {
	Name() string
	Execute(ctx context.Context, inv Invocation) (*datatypes.ToolResult, error)
}

// Registry is a concurrency-safe name-to-tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists the registered tool names (unordered).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// recordOutcome increments the invocation metric.
func recordOutcome(tool string, result *datatypes.ToolResult) {
	outcome := "ok"
	if result == nil || !result.OK {
		outcome = "error"
	}
	toolInvocations.WithLabelValues(tool, outcome).Inc()
}
