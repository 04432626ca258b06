// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation implements the deterministic citation validator that
// gates every generated answer. All checks run on every pass; the verdict
// carries the complete issue list so the caller can decide between fallback
// substitution and a replan.
package validation

import (
	"regexp"
	"strings"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/retrieval"
)

// markerPattern matches evidence citations like [C1], [R12].
var markerPattern = regexp.MustCompile(`\[([CR]\d+)\]`)

// inferenceHeading opens the answer section reserved for conclusions that go
// beyond the cited text.
const inferenceHeading = "inferencias"

// minInferenceCitations is the grounding floor per inference sentence.
const minInferenceCitations = 2

// CitationValidator verifies that an answer draft is grounded in its own
// evidence and respects the scope, literality, and concept constraints of
// the active profile. It is pure: no I/O, no model calls.
type CitationValidator struct{}

// Validate runs every check and returns the aggregate verdict. The checks
// never short-circuit: a rejected answer reports all of its issues at once.
func (CitationValidator) Validate(draft *datatypes.AnswerDraft, state *datatypes.FlowState, prof *profile.AgentProfile) *datatypes.ValidationResult {
	result := &datatypes.ValidationResult{Accepted: true}
	if draft == nil {
		result.Accepted = false
		result.Issues = append(result.Issues, datatypes.IssueNoRetrievalEvidence)
		return result
	}

	known := make(map[string]bool, len(draft.Evidence))
	for _, ev := range draft.Evidence {
		known[ev.Source] = true
	}
	cited := citedMarkers(draft.Text)

	checkEvidence(draft, known, cited, prof, result)
	checkScopes(draft, state, prof, result)
	checkLiteralClauses(draft, state, cited, result)
	checkForbiddenConcepts(draft, prof, result)
	checkInferences(draft, result)
	return result
}

// checkEvidence enforces the citation contract: evidence must exist, markers
// must be present when the profile requires them, and every cited marker
// must resolve to a real evidence item.
func checkEvidence(draft *datatypes.AnswerDraft, known map[string]bool, cited []string, prof *profile.AgentProfile, result *datatypes.ValidationResult) {
	if len(draft.Evidence) == 0 {
		reject(result, datatypes.IssueNoRetrievalEvidence)
		return
	}
	if prof.Validation.RequireCitations && len(cited) == 0 {
		reject(result, datatypes.IssueMissingSourceMarkers)
	}
	for _, marker := range cited {
		if marker == "" {
			continue
		}
		if !known[marker] {
			reject(result, datatypes.IssueMissingSourceMarkers)
			return
		}
	}
}

// checkScopes rejects answers that assert standards outside the requested
// set. Cross-scope modes skip the check; comparative answers legitimately
// span standards.
func checkScopes(draft *datatypes.AnswerDraft, state *datatypes.FlowState, prof *profile.AgentProfile, result *datatypes.ValidationResult) {
	plan := state.RetrievalPlan
	if plan == nil || len(plan.RequestedStandards) == 0 {
		return
	}
	if mode, _ := prof.ModeFor(draft.Mode); mode.CrossScope {
		return
	}

	requested := make(map[string]bool, len(plan.RequestedStandards))
	for _, std := range plan.RequestedStandards {
		requested[normalize(std)] = true
	}
	for _, std := range retrieval.ExtractScopes(draft.Text, prof.Router) {
		if !requested[normalize(std)] {
			reject(result, datatypes.IssueScopeMismatch)
			return
		}
	}
}

// checkLiteralClauses enforces literal fidelity: every clause number the
// answer asserts must be anchored by at least one cited evidence item.
func checkLiteralClauses(draft *datatypes.AnswerDraft, state *datatypes.FlowState, cited []string, result *datatypes.ValidationResult) {
	if state.RetrievalPlan == nil || !state.RetrievalPlan.RequireLiteralEvidence {
		return
	}

	citedSet := make(map[string]bool, len(cited))
	for _, m := range cited {
		citedSet[m] = true
	}
	clausePattern := regexp.MustCompile(profile.DefaultClausePattern)
	for _, clause := range clausePattern.FindAllString(draft.Text, -1) {
		anchored := false
		for _, ev := range draft.Evidence {
			if citedSet[ev.Source] && ev.MentionsClause(clause) {
				anchored = true
				break
			}
		}
		if !anchored {
			reject(result, datatypes.IssueLiteralClauseMismatch)
			return
		}
	}
}

func checkForbiddenConcepts(draft *datatypes.AnswerDraft, prof *profile.AgentProfile, result *datatypes.ValidationResult) {
	lower := strings.ToLower(draft.Text)
	for _, concept := range prof.Validation.ForbiddenConcepts {
		if concept != "" && strings.Contains(lower, strings.ToLower(concept)) {
			reject(result, datatypes.IssueForbiddenConcept)
			return
		}
	}
}

// checkInferences requires every sentence in the "Inferencias" section to
// carry at least two citations.
func checkInferences(draft *datatypes.AnswerDraft, result *datatypes.ValidationResult) {
	section := inferenceSection(draft.Text)
	if section == "" {
		return
	}
	for _, sentence := range splitSentences(section) {
		if len(markerPattern.FindAllString(sentence, -1)) < minInferenceCitations {
			reject(result, datatypes.IssueGroundedInferenceCitations)
			return
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

func reject(result *datatypes.ValidationResult, issue string) {
	result.Accepted = false
	for _, existing := range result.Issues {
		if existing == issue {
			return
		}
	}
	result.Issues = append(result.Issues, issue)
}

func citedMarkers(text string) []string {
	var out []string
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// inferenceSection returns the text under the "Inferencias" heading, "" when
// the answer has no such section.
func inferenceSection(text string) string {
	lower := strings.ToLower(text)
	idx := strings.Index(lower, inferenceHeading)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(inferenceHeading):]
	rest = strings.TrimLeft(rest, ":* \t\n")
	return rest
}

// sentenceBoundary matches end-of-sentence punctuation without breaking
// dotted clause references like "9.1.2" apart.
var sentenceBoundary = regexp.MustCompile(`\.\s+|\.$|\n|;\s*`)

// splitSentences cuts on sentence punctuation and bullet boundaries, keeping
// only fragments that assert something.
func splitSentences(s string) []string {
	raw := sentenceBoundary.Split(s, -1)
	var out []string
	for _, frag := range raw {
		frag = strings.TrimLeft(strings.TrimSpace(frag), "-• \t")
		// Fragments shorter than a clause number are punctuation debris.
		if len(frag) >= 15 {
			out = append(out, frag)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}
