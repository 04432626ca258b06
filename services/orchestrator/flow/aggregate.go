// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/llm"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

// maxAggregateWorkers bounds concurrent per-group summarization.
const maxAggregateWorkers = 8

// aggregateNode reduces each subquery group to a partial answer (grouped
// map-reduce). Groups summarize concurrently; a group whose model call fails
// falls back to a snippet of its top item, and a group with no evidence is
// recorded as no_evidence rather than dropped.
func (k *Kernel) aggregateNode(ctx context.Context, r *run) (*Delta, error) {
	state := r.state
	started := time.Now()

	partials := make([]datatypes.PartialAnswer, len(state.SubqueryGroups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxAggregateWorkers)

	for i, group := range state.SubqueryGroups {
		g.Go(func() error {
			partials[i] = k.reduceGroup(gctx, group)
			return nil
		})
	}
	_ = g.Wait()

	delta := &Delta{
		PartialAnswers: partials,
		NextAction:     datatypes.ActionGenerate,
		StageTimingsMS: map[string]int64{"aggregate": time.Since(started).Milliseconds()},
		ReasoningSteps: []datatypes.ReasoningStep{{
			Index:       state.NextStepIndex(),
			Type:        datatypes.StepSynthesis,
			Description: clipText(fmt.Sprintf("aggregated %d subquery groups", len(partials)), maxStepChars),
			OK:          true,
		}},
	}
	return delta, nil
}

// reduceGroup produces one partial answer from a group's top evidence.
func (k *Kernel) reduceGroup(ctx context.Context, group datatypes.SubqueryGroup) datatypes.PartialAnswer {
	pa := datatypes.PartialAnswer{ID: group.ID, Query: group.Query}
	if len(group.Items) == 0 {
		pa.Status = datatypes.PartialStatusNoEvidence
		return pa
	}

	pa.Status = datatypes.PartialStatusOK
	for _, item := range group.Items {
		pa.EvidenceSources = append(pa.EvidenceSources, item.Source)
	}
	pa.Summary = k.summarizeGroup(ctx, group)
	return pa
}

// summarizeGroup asks the model for a two-sentence extract; without a model
// (or on failure) the top item's opening text serves as the summary.
func (k *Kernel) summarizeGroup(ctx context.Context, group datatypes.SubqueryGroup) string {
	snippet := clipText(strings.TrimSpace(group.Items[0].Content), 200)
	if k.model == nil {
		return snippet
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Resume en dos frases, en español, qué responde esta evidencia a: %s\n", group.Query)
	for _, item := range group.Items {
		fmt.Fprintf(&b, "[%s] %s\n", item.Source, clipText(item.Content, 600))
	}

	maxTokens := 160
	out, err := k.model.Generate(ctx, b.String(), llm.GenerationParams{MaxTokens: &maxTokens})
	if err != nil || strings.TrimSpace(out) == "" {
		return snippet
	}
	return strings.TrimSpace(out)
}
