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
	"regexp"
	"strings"
	"sync"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
)

// =============================================================================
// Query Expansion
// =============================================================================

// ExpandQuery appends profile search-hint terms for every hint token found
// in the query. Each expansion term is appended once; applied expansions are
// returned for the trace.
func ExpandQuery(query string, hints map[string][]string) (string, map[string]string) {
	if len(hints) == 0 {
		return query, nil
	}
	lower := strings.ToLower(query)
	applied := make(map[string]string)
	expanded := query
	seen := make(map[string]bool)

	for term, extras := range hints {
		if !strings.Contains(lower, strings.ToLower(term)) {
			continue
		}
		var added []string
		for _, extra := range extras {
			key := strings.ToLower(extra)
			if seen[key] || strings.Contains(lower, key) {
				continue
			}
			seen[key] = true
			added = append(added, extra)
		}
		if len(added) > 0 {
			expanded += " " + strings.Join(added, " ")
			applied[term] = strings.Join(added, " ")
		}
	}
	if len(applied) == 0 {
		return query, nil
	}
	return expanded, applied
}

// =============================================================================
// Scope and Clause Extraction
// =============================================================================

// regexCache avoids recompiling profile patterns per query.
var regexCache = struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

func compile(pattern string) *regexp.Regexp {
	regexCache.mu.RLock()
	re, ok := regexCache.m[pattern]
	regexCache.mu.RUnlock()
	if ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	regexCache.mu.Lock()
	regexCache.m[pattern] = re
	regexCache.mu.Unlock()
	return re
}

// ExtractScopes pulls standard labels (e.g. "ISO 9001") out of the query
// using the profile's scope patterns, normalized to single spacing, order
// preserving, deduplicated.
func ExtractScopes(query string, router profile.Router) []string {
	var out []string
	seen := make(map[string]bool)
	for _, pattern := range router.ScopePatterns {
		re := compile(pattern)
		if re == nil {
			continue
		}
		for _, m := range re.FindAllString(query, -1) {
			norm := normalizeScope(m)
			if !seen[norm] {
				seen[norm] = true
				out = append(out, norm)
			}
		}
	}
	return out
}

// ExtractClauseRefs pulls dotted clause anchors like "9.1.2" from the query.
func ExtractClauseRefs(query string, router profile.Router) []string {
	pattern := router.ClausePattern
	if pattern == "" {
		pattern = profile.DefaultClausePattern
	}
	re := compile(pattern)
	if re == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllString(query, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// HasMultihopHint reports whether the query carries any of the profile's
// multihop tokens or references two or more scopes.
func HasMultihopHint(query string, router profile.Router) bool {
	if len(ExtractScopes(query, router)) >= 2 {
		return true
	}
	lower := strings.ToLower(query)
	for _, hint := range router.MultihopHints {
		if strings.Contains(lower, strings.ToLower(hint)) {
			return true
		}
	}
	return false
}

// normalizeScope collapses whitespace inside a scope label ("ISO  9001" →
// "ISO 9001") and uppercases the prefix.
func normalizeScope(s string) string {
	fields := strings.Fields(s)
	for i, f := range fields {
		if i == 0 {
			fields[i] = strings.ToUpper(f)
		}
	}
	return strings.Join(fields, " ")
}
