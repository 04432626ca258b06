// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/llm"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/config"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/flow"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/generator"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/handlers"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/middleware"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/observability"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/retrieval"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/tools"
)

// buildServer assembles the full service: retrieval stack, tool registry,
// kernel, profile source, and the gin router with its middleware chain.
func buildServer(cfg *config.Settings) (*http.Server, func(), error) {
	selector := retrieval.NewBackendSelector(
		cfg.RAGEngineURL,
		cfg.RAGFallbackURL,
		cfg.ForcedBackend,
		time.Duration(cfg.ProbeTimeoutMS)*time.Millisecond,
		time.Duration(cfg.SelectorTTLSec)*time.Second,
	)
	retriever := retrieval.NewContractClient(selector, cfg.SecretEnclave())

	model := buildLLMClient(cfg)

	var assisted retrieval.SubqueryPlanner
	if cfg.LightPlannerEnabled && model != nil {
		assisted = retrieval.NewLLMPlanner(model, time.Duration(cfg.LightPlannerTimeoutMS)*time.Millisecond)
	}
	planner := retrieval.NewHybridPlanner(retrieval.DeterministicPlanner{}, assisted)

	ragFlow := retrieval.NewFlow(retriever, planner, retrieval.Options{
		ContractMode:          string(cfg.ContractMode),
		MultiQueryMinItems:    cfg.MultiQueryMinItems,
		MultiQueryEnabled:     true,
		CoverageGateEnabled:   cfg.CoverageGateEnabled,
		CoverageMaxMissing:    cfg.CoverageMaxMissing,
		StepBackRepairEnabled: cfg.StepBackRepairEnabled,
		SemanticTailEnabled:   cfg.SemanticTailEnabled,
		HybridTimeout:         time.Duration(cfg.Stages.HybridMS) * time.Millisecond,
		MultiQueryTimeout:     time.Duration(cfg.Stages.MultiQueryMS) * time.Millisecond,
		CoverageRepairTimeout: time.Duration(cfg.Stages.CoverageRepairMS) * time.Millisecond,
	})

	registry := tools.NewRegistry()
	registry.Register(tools.NewSemanticRetrieval(ragFlow, tools.BackstopDefaults{
		Enabled: cfg.MinScoreBackstop,
		TopN:    cfg.BackstopTopN,
	}))
	registry.Register(tools.Calculator{})

	var gen generator.Generator
	if model != nil {
		gen = generator.NewLLMGenerator(model)
	}
	kernel := flow.NewKernel(cfg, registry, gen, model)

	profiles, closeProfiles, err := buildProfileSource(cfg)
	if err != nil {
		return nil, nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("cire-orchestrator"))
	router.Use(observability.NewRequestMetrics().Middleware())
	router.Use(middleware.Correlation())

	router.GET("/healthz", handlers.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ask := handlers.NewAskHandler(kernel, profiles, cfg)
	v1 := router.Group("/api/v1")
	v1.Use(middleware.ServiceAuth(cfg))
	v1.POST("/ask", ask.Ask)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server, closeProfiles, nil
}

// buildLLMClient picks the model backend: ollama when requested, an
// OpenAI-compatible endpoint otherwise. Returns nil when no backend is
// usable; the kernel then runs on template synthesis alone.
func buildLLMClient(cfg *config.Settings) llm.LLMClient {
	var (
		client llm.LLMClient
		err    error
	)
	switch os.Getenv("LLM_BACKEND_TYPE") {
	case "ollama":
		client, err = llm.NewOllamaClient(cfg.LLMBaseURL, cfg.LLMModel)
	default:
		client, err = llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMModel)
	}
	if err != nil {
		slog.Warn("LLM backend unavailable, running with template synthesis", "error", err)
		return nil
	}
	return client
}

// buildProfileSource resolves the tenant profile backend: HTTP store, file
// directory with hot reload, or built-in defaults.
func buildProfileSource(cfg *config.Settings) (profile.Source, func(), error) {
	if cfg.ProfileStoreURL != "" {
		return profile.NewHTTPStore(cfg.ProfileStoreURL, nil, 60*time.Second), func() {}, nil
	}
	if cfg.ProfileDir != "" {
		store, err := profile.NewFileStore(cfg.ProfileDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load profiles from %s: %w", cfg.ProfileDir, err)
		}
		return store, func() { _ = store.Close() }, nil
	}
	slog.Info("No profile source configured, using built-in defaults")
	return defaultProfiles{}, func() {}, nil
}

// defaultProfiles serves the built-in profile for every tenant.
type defaultProfiles struct{}

func (defaultProfiles) ProfileFor(_ context.Context, tenant string) (*profile.AgentProfile, error) {
	return profile.Default(tenant), nil
}
