// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profile defines the per-tenant agent profile: the declarative
// policy bundle that parameterizes routing, retrieval, synthesis, validation,
// and interaction for the orchestrator kernel.
//
// Profiles load from YAML files (with hot reload) or from an HTTP
// configuration store. Every section has a documented default so a partial
// profile never makes the flow raise; unknown YAML keys are rejected at load
// time to keep the schema closed.
package profile

// =============================================================================
// Profile Root
// =============================================================================

// AgentProfile is the immutable policy bundle for one tenant. Build it via
// the loader (which applies defaults) rather than struct literals; tests may
// use Default() and override fields before first use.
type AgentProfile struct {
	ProfileID string         `yaml:"profile_id" json:"profile_id"`
	Version   string         `yaml:"version" json:"version"`
	Status    string         `yaml:"status" json:"status"`
	Meta      map[string]any `yaml:"meta,omitempty" json:"meta,omitempty"`

	Identity     Identity          `yaml:"identity" json:"identity"`
	Router       Router            `yaml:"router" json:"router"`
	Retrieval    RetrievalSection  `yaml:"retrieval" json:"retrieval"`
	Validation   ValidationPolicy  `yaml:"validation" json:"validation"`
	Synthesis    Synthesis         `yaml:"synthesis" json:"synthesis"`
	QueryModes   QueryModes        `yaml:"query_modes" json:"query_modes"`
	Capabilities Capabilities      `yaml:"capabilities" json:"capabilities"`
	Interaction  InteractionPolicy `yaml:"interaction_policy" json:"interaction_policy"`
}

// Identity names the assistant and its tenant binding.
type Identity struct {
	Name     string `yaml:"name" json:"name"`
	Tenant   string `yaml:"tenant" json:"tenant"`
	Engine   string `yaml:"engine" json:"engine"`
	Language string `yaml:"language" json:"language"`
}

// =============================================================================
// Router
// =============================================================================

// RouterRule is one ordered intent-classification rule. A rule matches when
// every "all" condition holds and, for each non-empty "any" list, at least
// one member holds. Markers are virtual tokens such as "__mode__=<m>" or
// "__low_confidence__" injected by upstream hints.
type RouterRule struct {
	Mode        string   `yaml:"mode" json:"mode"`
	KeywordsAll []string `yaml:"keywords_all,omitempty" json:"keywords_all,omitempty"`
	KeywordsAny []string `yaml:"keywords_any,omitempty" json:"keywords_any,omitempty"`
	PatternsAll []string `yaml:"patterns_all,omitempty" json:"patterns_all,omitempty"`
	PatternsAny []string `yaml:"patterns_any,omitempty" json:"patterns_any,omitempty"`
	MarkersAll  []string `yaml:"markers_all,omitempty" json:"markers_all,omitempty"`
	MarkersAny  []string `yaml:"markers_any,omitempty" json:"markers_any,omitempty"`
	Rationale   string   `yaml:"rationale,omitempty" json:"rationale,omitempty"`
	// Confidence assigned when this rule wins. Zero means the router default.
	Confidence float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
}

// Router holds classification rules and the heuristics shared by the planner
// and the retrieval flow: scope patterns, clause patterns, search hints.
type Router struct {
	Rules       []RouterRule `yaml:"rules,omitempty" json:"rules,omitempty"`
	DefaultMode string       `yaml:"default_mode" json:"default_mode"`
	// DefaultConfidence is assigned when no rule matches (low, e.g. 0.4).
	DefaultConfidence float64 `yaml:"default_confidence" json:"default_confidence"`
	// ClarifyThreshold is the confidence floor below which the kernel may
	// request clarification.
	ClarifyThreshold float64 `yaml:"clarify_threshold" json:"clarify_threshold"`

	// ScopePatterns are regexes that extract standard labels (e.g. ISO
	// numbers) from query text.
	ScopePatterns []string `yaml:"scope_patterns,omitempty" json:"scope_patterns,omitempty"`
	// ClausePattern extracts dotted clause anchors like "9.1.2".
	ClausePattern string `yaml:"clause_pattern" json:"clause_pattern"`
	// SearchHints maps a query term to extra terms appended once during
	// query expansion.
	SearchHints map[string][]string `yaml:"search_hints,omitempty" json:"search_hints,omitempty"`
	// MultihopHints are tokens that signal a multi-scope / multi-hop query.
	MultihopHints []string `yaml:"multihop_hints,omitempty" json:"multihop_hints,omitempty"`
	// AnalyticalConnectors mark a query as complex for the hybrid subquery
	// planner (kept in the profile, not in code).
	AnalyticalConnectors []string `yaml:"analytical_connectors,omitempty" json:"analytical_connectors,omitempty"`
}

// =============================================================================
// Retrieval
// =============================================================================

// RetrievalConfig is one per-mode retrieval profile.
type RetrievalConfig struct {
	ChunkK                 int    `yaml:"chunk_k" json:"chunk_k"`
	ChunkFetchK            int    `yaml:"chunk_fetch_k" json:"chunk_fetch_k"`
	SummaryK               int    `yaml:"summary_k" json:"summary_k"`
	RequireLiteralEvidence bool   `yaml:"require_literal_evidence" json:"require_literal_evidence"`
	AllowInference         bool   `yaml:"allow_inference" json:"allow_inference"`
	ResponseContract       string `yaml:"response_contract,omitempty" json:"response_contract,omitempty"`
}

// RetrievalSection groups retrieval profiles and score policy.
type RetrievalSection struct {
	ByMode map[string]RetrievalConfig `yaml:"by_mode,omitempty" json:"by_mode,omitempty"`
	// MinScore drops items below threshold (default 0.75).
	MinScore float64 `yaml:"min_score" json:"min_score"`
	// BackstopEnabled keeps the top BackstopTopN dropped items when strict
	// filtering would leave nothing.
	BackstopEnabled bool `yaml:"backstop_enabled" json:"backstop_enabled"`
	BackstopTopN    int  `yaml:"backstop_top_n" json:"backstop_top_n"`
}

// =============================================================================
// Query Modes
// =============================================================================

// DecompositionPolicy bounds subquery planning per mode.
type DecompositionPolicy struct {
	MaxSubqueries int `yaml:"max_subqueries" json:"max_subqueries"`
	// SubqueryAggregationMode selects "grouped_map_reduce" to enable the
	// aggregation node.
	SubqueryAggregationMode string `yaml:"subquery_aggregation_mode,omitempty" json:"subquery_aggregation_mode,omitempty"`
}

// QueryMode binds an intent mode to its retrieval profile and tool plan.
type QueryMode struct {
	RetrievalProfile string              `yaml:"retrieval_profile" json:"retrieval_profile"`
	ExecutionPlan    []string            `yaml:"execution_plan,omitempty" json:"execution_plan,omitempty"`
	Decomposition    DecompositionPolicy `yaml:"decomposition_policy" json:"decomposition_policy"`
	// CrossScope marks modes that intentionally span standards; scope and
	// clause retrieval signals become informational there.
	CrossScope bool `yaml:"cross_scope" json:"cross_scope"`
}

// QueryModes maps mode names to their configuration.
type QueryModes struct {
	Modes map[string]QueryMode `yaml:"modes,omitempty" json:"modes,omitempty"`
}

// =============================================================================
// Interaction, Synthesis, Validation, Capabilities
// =============================================================================

// InteractionPolicy sets the thresholds for clarification and plan-approval
// interrupts.
type InteractionPolicy struct {
	// AmbiguityThresholdL2 triggers a clarification when the ambiguity score
	// exceeds it with no confirmed scope.
	AmbiguityThresholdL2 float64 `yaml:"ambiguity_threshold_l2" json:"ambiguity_threshold_l2"`
	// SubqueryThresholdL3 / LatencyThresholdMS trigger plan approval on
	// estimated cost.
	SubqueryThresholdL3 int   `yaml:"subquery_threshold_l3" json:"subquery_threshold_l3"`
	LatencyThresholdMS  int64 `yaml:"latency_threshold_ms" json:"latency_threshold_ms"`
	// RequiredSlots per mode, e.g. "scope" in multi-scope modes.
	RequiredSlots           map[string][]string `yaml:"required_slots,omitempty" json:"required_slots,omitempty"`
	MaxInterruptionsPerTurn int                 `yaml:"max_interruptions_per_turn" json:"max_interruptions_per_turn"`
}

// Synthesis holds per-mode answer templates.
type Synthesis struct {
	Templates map[string]string `yaml:"templates,omitempty" json:"templates,omitempty"`
}

// ValidationPolicy parameterizes the citation validator.
type ValidationPolicy struct {
	RequireCitations  bool     `yaml:"require_citations" json:"require_citations"`
	ForbiddenConcepts []string `yaml:"forbidden_concepts,omitempty" json:"forbidden_concepts,omitempty"`
	FallbackMessage   string   `yaml:"fallback_message,omitempty" json:"fallback_message,omitempty"`
}

// Capabilities bounds what the kernel may do on behalf of the tenant.
type Capabilities struct {
	AllowedTools   []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	MaxReflections int      `yaml:"max_reflections" json:"max_reflections"`
	// ToolTimeoutsMS overrides the per-tool stage default.
	ToolTimeoutsMS map[string]int64 `yaml:"tool_timeouts_ms,omitempty" json:"tool_timeouts_ms,omitempty"`
}

// AllowsTool reports whether a tool is in the allowed set.
func (c Capabilities) AllowsTool(name string) bool {
	for _, t := range c.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// ModeFor resolves a mode by name, falling back to the router default and
// then to a zero QueryMode. The second return reports whether the mode was
// declared.
func (p *AgentProfile) ModeFor(name string) (QueryMode, bool) {
	if m, ok := p.QueryModes.Modes[name]; ok {
		return m, true
	}
	if m, ok := p.QueryModes.Modes[p.Router.DefaultMode]; ok {
		return m, false
	}
	return QueryMode{}, false
}

// RetrievalConfigFor resolves mode → retrieval_profile → config, reporting
// whether a declared config was found.
func (p *AgentProfile) RetrievalConfigFor(mode string) (RetrievalConfig, bool) {
	qm, _ := p.ModeFor(mode)
	key := qm.RetrievalProfile
	if key == "" {
		key = mode
	}
	cfg, ok := p.Retrieval.ByMode[key]
	return cfg, ok
}
