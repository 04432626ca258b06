// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
)

func evidence(marker, content string) datatypes.EvidenceItem {
	return datatypes.EvidenceItem{Source: marker, Content: content, Score: 0.8}
}

func stateWithPlan(standards []string, literal bool) *datatypes.FlowState {
	plan := datatypes.DefaultRetrievalPlan("explanatory")
	plan.RequestedStandards = standards
	plan.RequireLiteralEvidence = literal
	return &datatypes.FlowState{RetrievalPlan: plan}
}

func TestValidateAcceptsGroundedAnswer(t *testing.T) {
	draft := &datatypes.AnswerDraft{
		Mode: "explanatory",
		Text: "La organización debe conservar información documentada [C1] y evaluarla periódicamente [C2].",
		Evidence: []datatypes.EvidenceItem{
			evidence("C1", "conservar información documentada"),
			evidence("C2", "evaluación del desempeño"),
		},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, false), profile.Default("t"))

	assert.True(t, result.Accepted)
	assert.Empty(t, result.Issues)
}

func TestValidateNilDraft(t *testing.T) {
	result := CitationValidator{}.Validate(nil, stateWithPlan(nil, false), profile.Default("t"))

	assert.False(t, result.Accepted)
	assert.Equal(t, []string{datatypes.IssueNoRetrievalEvidence}, result.Issues)
}

func TestValidateRejectsAnswerWithoutEvidence(t *testing.T) {
	draft := &datatypes.AnswerDraft{Mode: "explanatory", Text: "Una respuesta sin respaldo."}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, false), profile.Default("t"))

	assert.False(t, result.Accepted)
	assert.Contains(t, result.Issues, datatypes.IssueNoRetrievalEvidence)
}

func TestValidateRequiresSourceMarkers(t *testing.T) {
	draft := &datatypes.AnswerDraft{
		Mode:     "explanatory",
		Text:     "La norma exige seguimiento y medición del desempeño.",
		Evidence: []datatypes.EvidenceItem{evidence("C1", "seguimiento y medición")},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, false), profile.Default("t"))

	assert.False(t, result.Accepted)
	assert.Contains(t, result.Issues, datatypes.IssueMissingSourceMarkers)
}

func TestValidateRejectsUnknownMarker(t *testing.T) {
	draft := &datatypes.AnswerDraft{
		Mode:     "explanatory",
		Text:     "El requisito aparece en [C9].",
		Evidence: []datatypes.EvidenceItem{evidence("C1", "texto")},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, false), profile.Default("t"))

	assert.False(t, result.Accepted)
	assert.Contains(t, result.Issues, datatypes.IssueMissingSourceMarkers)
}

func TestValidateScopeMismatch(t *testing.T) {
	draft := &datatypes.AnswerDraft{
		Mode:     "explanatory",
		Text:     "Según ISO 27001, el control de accesos es obligatorio [C1].",
		Evidence: []datatypes.EvidenceItem{evidence("C1", "control de accesos")},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan([]string{"ISO 9001"}, false), profile.Default("t"))

	assert.False(t, result.Accepted)
	assert.Contains(t, result.Issues, datatypes.IssueScopeMismatch)
}

func TestValidateCrossScopeModeSkipsScopeCheck(t *testing.T) {
	prof := profile.Default("t")
	prof.QueryModes.Modes["comparative"] = profile.QueryMode{CrossScope: true}

	draft := &datatypes.AnswerDraft{
		Mode:     "comparative",
		Text:     "ISO 9001 exige seguimiento [C1] mientras que ISO 27001 exige controles [C1].",
		Evidence: []datatypes.EvidenceItem{evidence("C1", "requisitos comparados")},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan([]string{"ISO 9001"}, false), prof)

	assert.True(t, result.Accepted)
}

func TestValidateLiteralClauseAnchored(t *testing.T) {
	draft := &datatypes.AnswerDraft{
		Mode:     "literal_normativa",
		Text:     "La cláusula 9.1.2 exige evaluar la satisfacción del cliente [C1].",
		Evidence: []datatypes.EvidenceItem{evidence("C1", "9.1.2 Satisfacción del cliente: la organización debe realizar el seguimiento")},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, true), profile.Default("t"))

	assert.True(t, result.Accepted)
}

func TestValidateLiteralClauseUnanchored(t *testing.T) {
	draft := &datatypes.AnswerDraft{
		Mode:     "literal_normativa",
		Text:     "La cláusula 9.1.2 exige evaluar la satisfacción del cliente [C1].",
		Evidence: []datatypes.EvidenceItem{evidence("C1", "texto sobre otro asunto")},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, true), profile.Default("t"))

	assert.False(t, result.Accepted)
	assert.Contains(t, result.Issues, datatypes.IssueLiteralClauseMismatch)
}

func TestValidateForbiddenConcept(t *testing.T) {
	prof := profile.Default("t")
	prof.Validation.ForbiddenConcepts = []string{"asesoría legal"}

	draft := &datatypes.AnswerDraft{
		Mode:     "explanatory",
		Text:     "Esto constituye Asesoría Legal sobre el contrato [C1].",
		Evidence: []datatypes.EvidenceItem{evidence("C1", "texto")},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, false), prof)

	assert.False(t, result.Accepted)
	assert.Contains(t, result.Issues, datatypes.IssueForbiddenConcept)
}

func TestValidateInferencesNeedTwoCitations(t *testing.T) {
	draft := &datatypes.AnswerDraft{
		Mode: "explanatory",
		Text: "La norma exige seguimiento [C1].\n\nInferencias:\n- Ambos sistemas comparten el ciclo de mejora continua [C1].",
		Evidence: []datatypes.EvidenceItem{
			evidence("C1", "seguimiento"),
		},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, false), profile.Default("t"))

	assert.False(t, result.Accepted)
	assert.Contains(t, result.Issues, datatypes.IssueGroundedInferenceCitations)
}

func TestValidateInferencesAcceptedWithTwoCitations(t *testing.T) {
	draft := &datatypes.AnswerDraft{
		Mode: "explanatory",
		Text: "La norma exige seguimiento [C1].\n\nInferencias:\n- Ambos sistemas comparten el ciclo de mejora continua [C1][C2].",
		Evidence: []datatypes.EvidenceItem{
			evidence("C1", "seguimiento"),
			evidence("C2", "mejora continua"),
		},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, false), profile.Default("t"))

	assert.True(t, result.Accepted)
}

// A rejected answer reports every issue, not just the first one found.
func TestValidateAggregatesIssues(t *testing.T) {
	prof := profile.Default("t")
	prof.Validation.ForbiddenConcepts = []string{"asesoría legal"}

	draft := &datatypes.AnswerDraft{
		Mode:     "explanatory",
		Text:     "Esto es asesoría legal sin citar ninguna fuente.",
		Evidence: []datatypes.EvidenceItem{evidence("C1", "texto")},
	}

	result := CitationValidator{}.Validate(draft, stateWithPlan(nil, false), prof)

	require.False(t, result.Accepted)
	assert.Contains(t, result.Issues, datatypes.IssueMissingSourceMarkers)
	assert.Contains(t, result.Issues, datatypes.IssueForbiddenConcept)
}
