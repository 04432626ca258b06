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
	"fmt"
	"strings"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
)

// ExpectationMarker is the synthetic evidence marker carrying the
// scope-coverage summary. It sits outside the normal R numbering so it can
// never collide with retrieved summaries.
const ExpectationMarker = "R999"

// TemplateGenerator synthesizes a deterministic extract-based answer without
// any model call. It is the fallback when no LLM backend is configured and
// the engine of last resort when generation times out but evidence exists.
type TemplateGenerator struct{}

// Generate implements Generator.
func (TemplateGenerator) Generate(_ context.Context, state *datatypes.FlowState, prof *profile.AgentProfile) (*datatypes.AnswerDraft, error) {
	evidence := promptEvidence(state)
	mode := ""
	if state.Intent != nil {
		mode = state.Intent.Mode
	}

	if len(evidence) == 0 && len(state.PartialAnswers) == 0 {
		msg := prof.Validation.FallbackMessage
		if msg == "" {
			msg = "No se encontró evidencia suficiente para responder la consulta."
		}
		return &datatypes.AnswerDraft{Text: msg, Mode: mode}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Síntesis basada en la evidencia recuperada para: %s\n\n", state.WorkingQuery)

	if len(state.PartialAnswers) > 0 {
		for _, pa := range state.PartialAnswers {
			if pa.Status != datatypes.PartialStatusOK {
				continue
			}
			fmt.Fprintf(&b, "- %s [%s]\n", pa.Summary, strings.Join(pa.EvidenceSources, "]["))
		}
	} else {
		for _, ev := range evidence {
			fmt.Fprintf(&b, "- %s [%s]\n", clip(strings.TrimSpace(ev.Content), 300), ev.Source)
		}
	}

	return &datatypes.AnswerDraft{
		Text:     strings.TrimSpace(b.String()),
		Mode:     mode,
		Evidence: evidence,
	}, nil
}

// ExpectationCoverage reports, per requested standard, whether any retrieved
// chunk belongs to it, plus a synthetic evidence item summarizing the map
// under the ExpectationMarker. Returns (nil, nil) when the plan names no
// standards.
func ExpectationCoverage(state *datatypes.FlowState) (map[string]any, *datatypes.EvidenceItem) {
	if state.RetrievalPlan == nil || len(state.RetrievalPlan.RequestedStandards) == 0 {
		return nil, nil
	}

	coverage := make(map[string]any, len(state.RetrievalPlan.RequestedStandards))
	var covered, missing []string
	for _, std := range state.RetrievalPlan.RequestedStandards {
		found := false
		for _, ev := range state.Chunks {
			if strings.EqualFold(strings.Join(strings.Fields(ev.SourceStandard()), " "), strings.Join(strings.Fields(std), " ")) {
				found = true
				break
			}
		}
		coverage[std] = found
		if found {
			covered = append(covered, std)
		} else {
			missing = append(missing, std)
		}
	}

	content := "Cobertura de alcances solicitados: " + strings.Join(covered, ", ")
	if len(covered) == 0 {
		content = "Cobertura de alcances solicitados: ninguno"
	}
	if len(missing) > 0 {
		content += ". Sin evidencia para: " + strings.Join(missing, ", ")
	}
	return coverage, &datatypes.EvidenceItem{
		Source:  ExpectationMarker,
		Content: content,
		Score:   1.0,
	}
}
