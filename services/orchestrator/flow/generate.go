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
	"errors"
	"log/slog"
	"time"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/generator"
)

// generateNode synthesizes the answer draft under the generation budget.
// A model failure or timeout degrades to template synthesis over the same
// evidence; only the stop reason records the difference.
func (k *Kernel) generateNode(ctx context.Context, r *run) (*Delta, error) {
	genCtx, cancel := r.led.stageContext(ctx, k.cfg.Stages.GenerateMS)
	defer cancel()
	started := time.Now()

	state := r.state
	delta := &Delta{
		NextAction:     datatypes.ActionValidate,
		StageTimingsMS: map[string]int64{},
		WorkingMemory:  map[string]any{},
	}
	defer func() { delta.StageTimingsMS["generate"] += time.Since(started).Milliseconds() }()

	draft, err := k.generate.Generate(genCtx, state, r.prof)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || genCtx.Err() != nil {
			delta.StopReason = datatypes.StopGeneratorTimeout
		}
		slog.Warn("Generation degraded to template synthesis", "error", err, "trace_id", state.TraceID)
		draft, err = k.fallback.Generate(ctx, state, r.prof)
		if err != nil {
			return nil, err
		}
	}

	// Scope-coverage accounting rides along as synthetic evidence so the
	// response can report which requested standards the answer rests on.
	if coverage, item := generator.ExpectationCoverage(state); item != nil {
		delta.WorkingMemory["expectation_coverage"] = coverage
		draft.Evidence = append(draft.Evidence, *item)
	}

	delta.Draft = draft
	delta.ReasoningSteps = []datatypes.ReasoningStep{{
		Index:       state.NextStepIndex(),
		Type:        datatypes.StepSynthesis,
		Description: clipText("draft generated, mode="+draft.Mode, maxStepChars),
		OK:          true,
	}}
	return delta, nil
}
