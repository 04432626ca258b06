// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

// Default section values. Every missing profile section resolves here so a
// partial document never makes the flow raise.
const (
	DefaultMode             = "explanatory"
	DefaultConfidence       = 0.4
	DefaultClarifyThreshold = 0.55
	DefaultMinScore         = 0.75
	DefaultBackstopTopN     = 3
	DefaultMaxSubqueries    = 6
	DefaultMaxReflections   = 4
	DefaultMaxInterruptions = 1
	DefaultAmbiguityL2      = 0.6
	DefaultSubqueryL3       = 8
	DefaultLatencyL3MS      = 45_000
	DefaultClausePattern    = `\b\d+(?:\.\d+)+\b`
)

// DefaultTool is the execution plan used when a mode declares none.
const DefaultTool = "semantic_retrieval"

// Default returns a complete, self-consistent profile for a tenant. It is
// the base the loader merges documents onto and the profile HTTP store
// falls back to on 404.
func Default(tenant string) *AgentProfile {
	p := &AgentProfile{
		ProfileID: "default",
		Version:   "0",
		Status:    "active",
		Identity: Identity{
			Name:     "cire",
			Tenant:   tenant,
			Engine:   "cire-orchestrator",
			Language: "es",
		},
		Router: Router{
			DefaultMode:       DefaultMode,
			DefaultConfidence: DefaultConfidence,
			ClarifyThreshold:  DefaultClarifyThreshold,
			ClausePattern:     DefaultClausePattern,
			ScopePatterns: []string{
				`(?i)\bISO\s*\d{4,5}\b`,
				`(?i)\bIEC\s*\d{4,5}\b`,
			},
			MultihopHints: []string{"compara", "diferencia", "versus", "y la", "entre"},
		},
		Retrieval: RetrievalSection{
			ByMode:          map[string]RetrievalConfig{},
			MinScore:        DefaultMinScore,
			BackstopEnabled: true,
			BackstopTopN:    DefaultBackstopTopN,
		},
		Validation: ValidationPolicy{
			RequireCitations: true,
		},
		Synthesis: Synthesis{Templates: map[string]string{}},
		QueryModes: QueryModes{Modes: map[string]QueryMode{
			DefaultMode: {
				RetrievalProfile: DefaultMode,
				ExecutionPlan:    []string{DefaultTool},
				Decomposition:    DecompositionPolicy{MaxSubqueries: DefaultMaxSubqueries},
			},
		}},
		Capabilities: Capabilities{
			AllowedTools:   []string{DefaultTool, "python_calculator"},
			MaxReflections: DefaultMaxReflections,
		},
		Interaction: InteractionPolicy{
			AmbiguityThresholdL2:    DefaultAmbiguityL2,
			SubqueryThresholdL3:     DefaultSubqueryL3,
			LatencyThresholdMS:      DefaultLatencyL3MS,
			MaxInterruptionsPerTurn: DefaultMaxInterruptions,
		},
	}
	return p
}

// applyDefaults fills the gaps of a decoded profile in place. Called by both
// stores after decoding.
func applyDefaults(p *AgentProfile, tenant string) {
	if p.ProfileID == "" {
		p.ProfileID = "default"
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if p.Identity.Tenant == "" {
		p.Identity.Tenant = tenant
	}
	if p.Identity.Engine == "" {
		p.Identity.Engine = "cire-orchestrator"
	}
	if p.Router.DefaultMode == "" {
		p.Router.DefaultMode = DefaultMode
	}
	if p.Router.DefaultConfidence == 0 {
		p.Router.DefaultConfidence = DefaultConfidence
	}
	if p.Router.ClarifyThreshold == 0 {
		p.Router.ClarifyThreshold = DefaultClarifyThreshold
	}
	if p.Router.ClausePattern == "" {
		p.Router.ClausePattern = DefaultClausePattern
	}
	if p.Retrieval.ByMode == nil {
		p.Retrieval.ByMode = map[string]RetrievalConfig{}
	}
	if p.Retrieval.MinScore == 0 {
		p.Retrieval.MinScore = DefaultMinScore
	}
	if p.Retrieval.BackstopTopN == 0 {
		p.Retrieval.BackstopTopN = DefaultBackstopTopN
	}
	if p.QueryModes.Modes == nil {
		p.QueryModes.Modes = map[string]QueryMode{}
	}
	for name, m := range p.QueryModes.Modes {
		if m.Decomposition.MaxSubqueries == 0 {
			m.Decomposition.MaxSubqueries = DefaultMaxSubqueries
		}
		if len(m.ExecutionPlan) == 0 {
			m.ExecutionPlan = []string{DefaultTool}
		}
		p.QueryModes.Modes[name] = m
	}
	if _, ok := p.QueryModes.Modes[p.Router.DefaultMode]; !ok {
		p.QueryModes.Modes[p.Router.DefaultMode] = QueryMode{
			RetrievalProfile: p.Router.DefaultMode,
			ExecutionPlan:    []string{DefaultTool},
			Decomposition:    DecompositionPolicy{MaxSubqueries: DefaultMaxSubqueries},
		}
	}
	if len(p.Capabilities.AllowedTools) == 0 {
		p.Capabilities.AllowedTools = []string{DefaultTool}
	}
	if p.Capabilities.MaxReflections == 0 {
		p.Capabilities.MaxReflections = DefaultMaxReflections
	}
	if p.Capabilities.MaxReflections > 6 {
		p.Capabilities.MaxReflections = 6
	}
	if p.Interaction.AmbiguityThresholdL2 == 0 {
		p.Interaction.AmbiguityThresholdL2 = DefaultAmbiguityL2
	}
	if p.Interaction.SubqueryThresholdL3 == 0 {
		p.Interaction.SubqueryThresholdL3 = DefaultSubqueryL3
	}
	if p.Interaction.LatencyThresholdMS == 0 {
		p.Interaction.LatencyThresholdMS = DefaultLatencyL3MS
	}
	if p.Interaction.MaxInterruptionsPerTurn == 0 {
		p.Interaction.MaxInterruptionsPerTurn = DefaultMaxInterruptions
	}
	if p.Synthesis.Templates == nil {
		p.Synthesis.Templates = map[string]string{}
	}
}
