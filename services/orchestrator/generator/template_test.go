// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
)

func chunk(marker, content, standard string) datatypes.EvidenceItem {
	return datatypes.EvidenceItem{
		Source:  marker,
		Content: content,
		Score:   0.8,
		Metadata: map[string]any{
			"row": map[string]any{
				"metadata": map[string]any{"source_standard": standard},
			},
		},
	}
}

func TestTemplateGeneratorFallbackWithoutEvidence(t *testing.T) {
	state := datatypes.NewFlowState("consulta sin resultados", "t", "c")

	draft, err := TemplateGenerator{}.Generate(context.Background(), state, profile.Default("t"))
	require.NoError(t, err)

	assert.Equal(t, "No se encontró evidencia suficiente para responder la consulta.", draft.Text)
	assert.Empty(t, draft.Evidence)
}

func TestTemplateGeneratorUsesProfileFallbackMessage(t *testing.T) {
	prof := profile.Default("t")
	prof.Validation.FallbackMessage = "Sin evidencia en la colección del tenant."
	state := datatypes.NewFlowState("consulta sin resultados", "t", "c")

	draft, err := TemplateGenerator{}.Generate(context.Background(), state, prof)
	require.NoError(t, err)

	assert.Equal(t, "Sin evidencia en la colección del tenant.", draft.Text)
}

func TestTemplateGeneratorCitesEvidence(t *testing.T) {
	state := datatypes.NewFlowState("requisitos de seguimiento", "t", "c")
	state.Chunks = []datatypes.EvidenceItem{
		chunk("C1", "La organización debe realizar el seguimiento del desempeño.", "ISO 9001"),
	}

	draft, err := TemplateGenerator{}.Generate(context.Background(), state, profile.Default("t"))
	require.NoError(t, err)

	assert.Contains(t, draft.Text, "requisitos de seguimiento")
	assert.Contains(t, draft.Text, "[C1]")
	require.Len(t, draft.Evidence, 1)
}

func TestTemplateGeneratorPrefersPartialAnswers(t *testing.T) {
	state := datatypes.NewFlowState("comparación de requisitos", "t", "c")
	state.Chunks = []datatypes.EvidenceItem{chunk("C1", "texto", "ISO 9001")}
	state.PartialAnswers = []datatypes.PartialAnswer{
		{ID: "sq-1", Status: datatypes.PartialStatusOK, Summary: "ISO 9001 exige seguimiento del desempeño", EvidenceSources: []string{"C1"}},
		{ID: "sq-2", Status: datatypes.PartialStatusNoEvidence},
	}

	draft, err := TemplateGenerator{}.Generate(context.Background(), state, profile.Default("t"))
	require.NoError(t, err)

	assert.Contains(t, draft.Text, "ISO 9001 exige seguimiento del desempeño [C1]")
	assert.NotContains(t, draft.Text, "sq-2")
}

func TestExpectationCoverage(t *testing.T) {
	state := datatypes.NewFlowState("compara", "t", "c")
	state.RetrievalPlan = datatypes.DefaultRetrievalPlan("comparative")
	state.RetrievalPlan.RequestedStandards = []string{"ISO 9001", "ISO 27001"}
	state.Chunks = []datatypes.EvidenceItem{chunk("C1", "texto", "ISO 9001")}

	coverage, synthetic := ExpectationCoverage(state)

	assert.Equal(t, map[string]any{"ISO 9001": true, "ISO 27001": false}, coverage)
	require.NotNil(t, synthetic)
	assert.Equal(t, ExpectationMarker, synthetic.Source)
	assert.Contains(t, synthetic.Content, "Cobertura de alcances solicitados: ISO 9001")
	assert.Contains(t, synthetic.Content, "Sin evidencia para: ISO 27001")
}

func TestExpectationCoverageNoStandards(t *testing.T) {
	state := datatypes.NewFlowState("consulta", "t", "c")
	state.RetrievalPlan = datatypes.DefaultRetrievalPlan("explanatory")

	coverage, synthetic := ExpectationCoverage(state)
	assert.Nil(t, coverage)
	assert.Nil(t, synthetic)
}

func TestExpectationCoverageNothingCovered(t *testing.T) {
	state := datatypes.NewFlowState("consulta", "t", "c")
	state.RetrievalPlan = datatypes.DefaultRetrievalPlan("explanatory")
	state.RetrievalPlan.RequestedStandards = []string{"ISO 14001"}

	_, synthetic := ExpectationCoverage(state)
	require.NotNil(t, synthetic)
	assert.Contains(t, synthetic.Content, "Cobertura de alcances solicitados: ninguno")
}
