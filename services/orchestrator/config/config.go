// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the orchestrator settings once at startup and threads
// them through constructors. There is no global settings singleton; the
// Settings value is immutable after Load returns.
//
// The shared service secret is the one value handled specially: it is sealed
// into a memguard enclave at load time and the plaintext copy is wiped, so
// it never sits in ordinary heap memory between requests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
	"gopkg.in/yaml.v3"
)

// ContractMode selects how the kernel talks to the RAG retrieval contract.
type ContractMode string

const (
	ContractAdvanced      ContractMode = "advanced"
	ContractComprehensive ContractMode = "comprehensive"
	ContractLegacy        ContractMode = "legacy"
)

// StageTimeouts groups the per-stage deadline defaults, in milliseconds.
type StageTimeouts struct {
	PlanMS           int64 `yaml:"plan_ms"`
	ExecuteToolMS    int64 `yaml:"execute_tool_ms"`
	GenerateMS       int64 `yaml:"generate_ms"`
	ValidateMS       int64 `yaml:"validate_ms"`
	HybridMS         int64 `yaml:"hybrid_ms"`
	MultiQueryMS     int64 `yaml:"multi_query_ms"`
	CoverageRepairMS int64 `yaml:"coverage_repair_ms"`
}

// Settings is the full configuration surface of the orchestrator. Field
// defaults are applied by Load; YAML overrides env, env overrides defaults.
type Settings struct {
	ListenAddr string `yaml:"listen_addr"`

	// RAG contract.
	ContractMode   ContractMode `yaml:"contract_mode"`
	RAGEngineURL   string       `yaml:"rag_engine_url"`
	RAGFallbackURL string       `yaml:"rag_fallback_url"`
	ForcedBackend  string       `yaml:"forced_backend"`
	ProbeTimeoutMS int64        `yaml:"probe_timeout_ms"`
	SelectorTTLSec int64        `yaml:"selector_ttl_seconds"`

	// Budgets.
	TotalTimeoutMS int64         `yaml:"total_timeout_ms"`
	Stages         StageTimeouts `yaml:"stages"`

	// Retrieval policy knobs.
	MultiQueryMinItems    int   `yaml:"multi_query_min_items"`
	CoverageGateEnabled   bool  `yaml:"coverage_gate_enabled"`
	CoverageMaxMissing    int   `yaml:"coverage_max_missing"`
	StepBackRepairEnabled bool  `yaml:"step_back_repair_enabled"`
	MinScoreBackstop      bool  `yaml:"min_score_backstop"`
	BackstopTopN          int   `yaml:"backstop_top_n"`
	SemanticTailEnabled   bool  `yaml:"semantic_tail_enabled"`
	LightPlannerEnabled   bool  `yaml:"light_planner_enabled"`
	LightPlannerTimeoutMS int64 `yaml:"light_planner_timeout_ms"`

	// LLM backend for the generator and the light subquery planner.
	LLMBaseURL string `yaml:"llm_base_url"`
	LLMModel   string `yaml:"llm_model"`

	// Profile source: directory of YAML documents or an HTTP store.
	ProfileDir      string `yaml:"profile_dir"`
	ProfileStoreURL string `yaml:"profile_store_url"`

	// Telemetry.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// secret holds the shared service secret for the RAG contract.
	secret *memguard.Enclave
}

// ServiceSecret opens the sealed secret for one call. The returned buffer
// must be destroyed by the caller.
func (s *Settings) ServiceSecret() (*memguard.LockedBuffer, error) {
	if s.secret == nil {
		return nil, fmt.Errorf("service secret not configured")
	}
	return s.secret.Open()
}

// SecretEnclave hands the sealed enclave to the contract client, which
// opens it per request. Nil when no secret was configured.
func (s *Settings) SecretEnclave() *memguard.Enclave {
	return s.secret
}

// HasServiceSecret reports whether a secret was configured at load time.
func (s *Settings) HasServiceSecret() bool {
	return s.secret != nil
}

// Load builds Settings from defaults, an optional YAML file, and the
// environment. The CIRE_SERVICE_SECRET variable is mandatory for serving:
// a missing secret is the one startup condition that fails hard, because
// every contract request must carry X-Service-Secret.
func Load(path string) (*Settings, error) {
	s := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("invalid settings file %s: %w", path, err)
		}
	}
	s.applyEnv()

	if raw := os.Getenv("CIRE_SERVICE_SECRET"); raw != "" {
		s.secret = memguard.NewEnclave([]byte(raw))
		os.Unsetenv("CIRE_SERVICE_SECRET")
	}
	return s, nil
}

// RequireSecret returns an error when no service secret was configured.
// main calls this before serving; tests skip it.
func (s *Settings) RequireSecret() error {
	if !s.HasServiceSecret() {
		return fmt.Errorf("CIRE_SERVICE_SECRET is required")
	}
	return nil
}

func defaults() *Settings {
	return &Settings{
		ListenAddr:     ":8088",
		ContractMode:   ContractAdvanced,
		RAGEngineURL:   "http://localhost:8000",
		RAGFallbackURL: "http://cire-rag-engine:8000",
		ProbeTimeoutMS: 300,
		SelectorTTLSec: 30,
		TotalTimeoutMS: 90_000,
		Stages: StageTimeouts{
			PlanMS:           4_000,
			ExecuteToolMS:    25_000,
			GenerateMS:       35_000,
			ValidateMS:       1_000,
			HybridMS:         12_000,
			MultiQueryMS:     18_000,
			CoverageRepairMS: 8_000,
		},
		MultiQueryMinItems:    6,
		CoverageGateEnabled:   true,
		CoverageMaxMissing:    3,
		StepBackRepairEnabled: true,
		MinScoreBackstop:      true,
		BackstopTopN:          3,
		SemanticTailEnabled:   true,
		LightPlannerEnabled:   true,
		LightPlannerTimeoutMS: 600,
		LLMModel:              "gpt-4o-mini",
	}
}

func (s *Settings) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int64, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setStr(&s.ListenAddr, "CIRE_LISTEN_ADDR")
	setStr(&s.RAGEngineURL, "RAG_ENGINE_URL")
	setStr(&s.RAGFallbackURL, "RAG_FALLBACK_URL")
	setStr(&s.ForcedBackend, "RAG_FORCED_BACKEND")
	setStr(&s.LLMBaseURL, "CIRE_LLM_BASE_URL")
	setStr(&s.LLMModel, "CIRE_LLM_MODEL")
	setStr(&s.ProfileDir, "CIRE_PROFILE_DIR")
	setStr(&s.ProfileStoreURL, "CIRE_PROFILE_STORE_URL")
	setStr(&s.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setInt(&s.TotalTimeoutMS, "CIRE_TOTAL_TIMEOUT_MS")
	setInt(&s.SelectorTTLSec, "RAG_SELECTOR_TTL_SECONDS")
	if v := os.Getenv("CIRE_CONTRACT_MODE"); v != "" {
		s.ContractMode = ContractMode(v)
	}
}

// TotalBudget returns the wall-clock budget as a duration.
func (s *Settings) TotalBudget() time.Duration {
	return time.Duration(s.TotalTimeoutMS) * time.Millisecond
}
