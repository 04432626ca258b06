// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generator synthesizes the answer draft from accumulated evidence.
// The LLM generator builds a citation-constrained Spanish prompt; the
// template generator is the deterministic fallback when no model is
// reachable. Neither retrieves anything: they only consume what the flow
// state already holds.
package generator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/llm"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/profile"
)

var genTracer = otel.Tracer("cire.orchestrator.generator")

// Prompt assembly bounds. Evidence beyond these caps is ranked out before
// the prompt is built.
const (
	maxPromptChunks    = 12
	maxPromptSummaries = 5
	maxEvidenceChars   = 1200
)

// Generator produces the answer draft for a flow. Implementations must not
// mutate the state.
type Generator interface {
	Generate(ctx context.Context, state *datatypes.FlowState, prof *profile.AgentProfile) (*datatypes.AnswerDraft, error)
}

// =============================================================================
// LLM Generator
// =============================================================================

// LLMGenerator renders the evidence-grounded prompt and calls the model.
type LLMGenerator struct {
	client llm.LLMClient
}

// NewLLMGenerator wires the generator around any LLM backend.
func NewLLMGenerator(client llm.LLMClient) *LLMGenerator {
	return &LLMGenerator{client: client}
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, state *datatypes.FlowState, prof *profile.AgentProfile) (*datatypes.AnswerDraft, error) {
	ctx, span := genTracer.Start(ctx, "LLMGenerator.Generate")
	defer span.End()

	prompt := buildPrompt(state, prof)
	span.SetAttributes(attribute.Int("prompt_chars", len(prompt)))

	temp := float32(0.2)
	maxTokens := 1600
	text, err := g.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation failed: %w", err)
	}

	mode := ""
	if state.Intent != nil {
		mode = state.Intent.Mode
	}
	return &datatypes.AnswerDraft{
		Text:     strings.TrimSpace(text),
		Mode:     mode,
		Evidence: promptEvidence(state),
	}, nil
}

// buildPrompt assembles the Spanish synthesis prompt: persona, citation
// contract, mode-specific constraints, evidence blocks, and the question.
func buildPrompt(state *datatypes.FlowState, prof *profile.AgentProfile) string {
	var b strings.Builder

	name := prof.Identity.Name
	if name == "" {
		name = "un asistente de cumplimiento normativo"
	}
	fmt.Fprintf(&b, "Eres %s. Responde en español usando EXCLUSIVAMENTE la evidencia provista.\n", name)
	b.WriteString("Cita cada afirmación con su marcador entre corchetes, p. ej. [C1] o [R2].\n")
	b.WriteString("Si la evidencia no cubre la pregunta, dilo explícitamente en lugar de inventar.\n")

	plan := state.RetrievalPlan
	if plan != nil && plan.RequireLiteralEvidence {
		b.WriteString("Modo literal: transcribe los requisitos textuales de las cláusulas citadas, incluyendo su número.\n")
	}
	if plan != nil && plan.AllowInference {
		b.WriteString("Las conclusiones que vayan más allá del texto van en una sección final titulada \"Inferencias\", cada una respaldada por al menos dos citas.\n")
	} else {
		b.WriteString("No añadas inferencias propias.\n")
	}
	if tmpl := templateFor(state, prof); tmpl != "" {
		b.WriteString("Estructura requerida de la respuesta:\n")
		b.WriteString(tmpl)
		b.WriteString("\n")
	}

	if len(state.PartialAnswers) > 0 {
		b.WriteString("\nRespuestas parciales por subconsulta:\n")
		for _, pa := range state.PartialAnswers {
			if pa.Status != datatypes.PartialStatusOK {
				fmt.Fprintf(&b, "- (%s) sin evidencia\n", pa.Query)
				continue
			}
			fmt.Fprintf(&b, "- (%s) %s [%s]\n", pa.Query, pa.Summary, strings.Join(pa.EvidenceSources, ", "))
		}
	}

	b.WriteString("\nEvidencia:\n")
	for _, ev := range promptEvidence(state) {
		fmt.Fprintf(&b, "[%s] %s\n", ev.Source, clip(ev.Content, maxEvidenceChars))
	}

	fmt.Fprintf(&b, "\nPregunta: %s\nRespuesta:", state.WorkingQuery)
	return b.String()
}

func templateFor(state *datatypes.FlowState, prof *profile.AgentProfile) string {
	if state.Intent == nil {
		return ""
	}
	return prof.Synthesis.Templates[state.Intent.Mode]
}

// promptEvidence selects the evidence slice the draft will carry: top chunks
// and summaries in marker order, bounded by the prompt caps.
func promptEvidence(state *datatypes.FlowState) []datatypes.EvidenceItem {
	out := make([]datatypes.EvidenceItem, 0, maxPromptChunks+maxPromptSummaries)
	for i, ev := range state.Chunks {
		if i == maxPromptChunks {
			break
		}
		out = append(out, ev)
	}
	for i, ev := range state.Summaries {
		if i == maxPromptSummaries {
			break
		}
		out = append(out, ev)
	}
	return out
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
