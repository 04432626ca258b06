// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the HTTP middleware for the orchestrator
// service: shared-secret authentication for service-to-service calls and
// correlation identity propagation.
//
// # Authentication Flow
//
// Callers present the shared service secret in the X-Service-Secret header.
// The configured secret lives in a memguard enclave; it is opened for the
// comparison and destroyed immediately, so the plaintext never persists
// between requests.
//
//	Request
//	   │
//	   ▼
//	ServiceAuth ── X-Service-Secret mismatch ──► 401
//	   │
//	   ▼
//	Correlation ── stamps trace/correlation/request IDs
//	   │
//	   ▼
//	Handler
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/config"
)

// =============================================================================
// Context Keys
// =============================================================================

const (
	correlationIDKey = "cire_correlation_id"
	requestIDKey     = "cire_request_id"
	traceIDKey       = "cire_trace_id"
)

// =============================================================================
// Service Auth
// =============================================================================

// ServiceAuth validates the X-Service-Secret header against the sealed
// secret in settings. Constant-time comparison; a missing configured secret
// rejects everything, because the contract requires authenticated calls.
func ServiceAuth(settings *config.Settings) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader("X-Service-Secret")
		if presented == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing service secret"})
			return
		}

		buf, err := settings.ServiceSecret()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "service secret not configured"})
			return
		}
		match := subtle.ConstantTimeCompare(buf.Bytes(), []byte(presented)) == 1
		buf.Destroy()

		if !match {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Correlation
// =============================================================================

// Correlation stamps each request with correlation and request identifiers,
// reusing inbound headers when present, and lifts the OpenTelemetry trace id
// into the Gin context so every downstream contract call can carry it.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		traceID := ""
		if span := trace.SpanFromContext(c.Request.Context()); span.SpanContext().HasTraceID() {
			traceID = span.SpanContext().TraceID().String()
		}

		c.Set(correlationIDKey, correlationID)
		c.Set(requestIDKey, requestID)
		c.Set(traceIDKey, traceID)
		c.Header("X-Correlation-ID", correlationID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// CorrelationID returns the request's correlation id, "" when the
// middleware did not run.
func CorrelationID(c *gin.Context) string { return c.GetString(correlationIDKey) }

// RequestID returns the request's request id.
func RequestID(c *gin.Context) string { return c.GetString(requestIDKey) }

// TraceID returns the request's OpenTelemetry trace id, "" when tracing is
// off.
func TraceID(c *gin.Context) string { return c.GetString(traceIDKey) }
