// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

// =============================================================================
// Error Types
// =============================================================================

// ContractError wraps HTTP failures from the retrieval contract, including
// the status code and whether a retry on the alternate backend may help.
type ContractError struct {
	StatusCode int
	Endpoint   string
	Message    string
	Retryable  bool
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	return fmt.Sprintf("contract error (%s, status %d): %s", e.Endpoint, e.StatusCode, e.Message)
}

// IsContractError checks if an error is a *ContractError.
func IsContractError(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}

// ScopeValidationError is returned when validate-scope rejects the query
// scope. The kernel surfaces it as a structured payload without running
// retrieval or generation.
type ScopeValidationError struct {
	Violations      []string
	Warnings        []string
	NormalizedScope map[string]any
}

// Error implements the error interface.
func (e *ScopeValidationError) Error() string {
	return fmt.Sprintf("scope validation failed: %d violations", len(e.Violations))
}

// AsScopeValidationError extracts a *ScopeValidationError, or nil.
func AsScopeValidationError(err error) *ScopeValidationError {
	var sve *ScopeValidationError
	if errors.As(err, &sve) {
		return sve
	}
	return nil
}

// retryableStatus reports whether an HTTP status suggests the alternate
// backend may succeed: 5xx only.
func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError
}

// classifyErr maps a transport error to a retrieval error code from the
// closed taxonomy.
func classifyErr(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return datatypes.CodeTimeout
	default:
		return datatypes.CodeUpstreamUnavailable
	}
}

// =============================================================================
// Outcome
// =============================================================================

// OutcomeKind discriminates the retrieval flow's closed result type.
// Recoverable issues never escape as errors; they become degraded outcomes
// with a code in the diagnostics.
type OutcomeKind int

const (
	OutcomeItems OutcomeKind = iota
	OutcomeDegraded
	OutcomeNeedsClarification
	OutcomeScopeInvalid
)

// Outcome is the sum type the semantic_retrieval tool consumes.
type Outcome struct {
	Kind        OutcomeKind
	Chunks      []datatypes.EvidenceItem
	Summaries   []datatypes.EvidenceItem
	Groups      []datatypes.SubqueryGroup
	Diagnostics *datatypes.RetrievalDiagnostics
	// Code is set for degraded outcomes (e.g. upstream_unavailable).
	Code string
	// ScopeInvalid carries the violation payload for OutcomeScopeInvalid.
	ScopeInvalid *ScopeValidationError
	// Clarification carries suggested scopes for OutcomeNeedsClarification.
	SuggestedScopes []string
}
