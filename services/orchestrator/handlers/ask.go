// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the orchestrator's HTTP surface: the ask
// endpoint that drives the kernel and the health probe.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/config"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/flow"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/middleware"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/retrieval"
)

var askTracer = otel.Tracer("cire.orchestrator.handlers")

// AskHandler owns POST /api/v1/ask.
type AskHandler struct {
	kernel   *flow.Kernel
	profiles profile.Source
	cfg      *config.Settings
	validate *validator.Validate
}

// NewAskHandler wires the handler.
func NewAskHandler(kernel *flow.Kernel, profiles profile.Source, cfg *config.Settings) *AskHandler {
	return &AskHandler{
		kernel:   kernel,
		profiles: profiles,
		cfg:      cfg,
		validate: validator.New(),
	}
}

// Ask runs one query through the kernel and returns the single structured
// response: answer, clarification interrupt, or scope-invalid payload.
func (h *AskHandler) Ask(c *gin.Context) {
	ctx, span := askTracer.Start(c.Request.Context(), "AskHandler.Ask")
	defer span.End()

	var req datatypes.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	sessionID := req.EnsureSessionID()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("session_id", sessionID),
	)

	prof, err := h.profiles.ProfileFor(ctx, req.TenantID)
	if err != nil || prof == nil {
		slog.Warn("Profile lookup failed, using defaults", "tenant", req.TenantID, "error", err)
		prof = profile.Default(req.TenantID)
	}

	state := datatypes.NewFlowState(req.Query, req.TenantID, req.CollectionID)
	state.SessionID = sessionID
	state.UserID = c.GetHeader("X-User-ID")
	state.TraceID = middleware.TraceID(c)
	if req.ClarificationContext != nil {
		state.WorkingMemory["clarification_context"] = req.ClarificationContext
	}

	scope := retrieval.ScopeContext{
		TenantID:      req.TenantID,
		CollectionID:  req.CollectionID,
		TraceID:       state.TraceID,
		CorrelationID: middleware.CorrelationID(c),
		RequestID:     middleware.RequestID(c),
		UserID:        state.UserID,
	}

	state, err = h.kernel.Run(ctx, state, prof, scope)
	if err != nil {
		if sve := retrieval.AsScopeValidationError(err); sve != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":            "scope_invalid",
				"violations":       sve.Violations,
				"warnings":         sve.Warnings,
				"normalized_scope": sve.NormalizedScope,
			})
			return
		}
		slog.Error("Flow failed", "error", err, "trace_id", state.TraceID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, buildResponse(state, prof, h.cfg))
}

// buildResponse folds the terminal flow state into the wire response.
func buildResponse(state *datatypes.FlowState, prof *profile.AgentProfile, cfg *config.Settings) *datatypes.AskResponse {
	engine := prof.Identity.Engine
	if engine == "" {
		engine = "cire"
	}
	resp := datatypes.NewAskResponse(engine, state.SessionID)
	resp.Intent = state.Intent
	resp.Plan = state.RetrievalPlan
	resp.Validation = state.Validation
	resp.Retrieval = state.Retrieval
	resp.Clarification = state.Clarification
	resp.Trace = flow.Trace(state, cfg.Stages)
	if state.Draft != nil {
		resp.Answer = state.Draft.Text
	} else if state.Clarification != nil {
		// An interrupted flow has no draft; the question itself is the
		// user-facing text.
		resp.Answer = state.Clarification.Question
	}
	return resp
}
