// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Closed error taxonomies. These strings travel in retrieval traces, tool
// results, and validation issues; the reflect loop dispatches on them, so
// additions here must be mirrored in the reflect decision matrix.

// Retryable retrieval signals.
const (
	CodeEmptyRetrieval          = "empty_retrieval"
	CodeScopeMismatch           = "scope_mismatch"
	CodeClauseMissing           = "clause_missing"
	CodeLowScore                = "low_score"
	CodeGraphFallbackNoMultihop = "graph_fallback_no_multihop"
	CodeTimeout                 = "timeout"
	CodeUpstreamUnavailable     = "upstream_unavailable"
)

// Non-retryable tool error codes. ToolErrorPrefix covers wrapped causes as
// "tool_error:<cause>".
const (
	CodeToolNotRegistered = "tool_not_registered"
	CodeToolTimeout       = "tool_timeout"
	CodeMissingExpression = "missing_expression"
	CodeToolAuthError     = "tool_auth_error"
	ToolErrorPrefix       = "tool_error:"
)

// Validation issue codes (answer-level).
const (
	IssueNoRetrievalEvidence        = "no_retrieval_evidence"
	IssueScopeMismatch              = "scope_mismatch"
	IssueLiteralClauseMismatch      = "literal_clause_mismatch"
	IssueMissingSourceMarkers       = "missing_source_markers"
	IssueForbiddenConcept           = "forbidden_concept"
	IssueGroundedInferenceCitations = "grounded_inference_insufficient_citations"
)

// retryableCodes is the closed set the reflect loop may act on.
var retryableCodes = map[string]bool{
	CodeEmptyRetrieval:          true,
	CodeScopeMismatch:           true,
	CodeClauseMissing:           true,
	CodeLowScore:                true,
	CodeGraphFallbackNoMultihop: true,
	CodeTimeout:                 true,
	CodeUpstreamUnavailable:     true,
}

// IsRetryableCode reports whether a retrieval signal belongs to the closed
// retryable set. Anything outside the set is non-retryable.
func IsRetryableCode(code string) bool {
	return retryableCodes[code]
}
