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
	"strings"
	"time"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

// validateNode gates the draft through the citation validator. Validation is
// terminal: a rejected draft never loops back through the planner, it has its
// text substituted with the profile's fallback message after all checks have
// run.
func (k *Kernel) validateNode(_ context.Context, r *run) (*Delta, error) {
	started := time.Now()
	state := r.state

	result := k.validator.Validate(state.Draft, state, r.prof)
	delta := &Delta{
		Validation:     result,
		StageTimingsMS: map[string]int64{"validate": time.Since(started).Milliseconds()},
		ReasoningSteps: []datatypes.ReasoningStep{{
			Index:       state.NextStepIndex(),
			Type:        datatypes.StepValidation,
			Description: clipText(validationSummary(result), maxStepChars),
			OK:          result.Accepted,
		}},
	}

	if result.Accepted {
		delta.NextAction = datatypes.ActionDone
		delta.StopReason = datatypes.StopDone
		return delta, nil
	}

	// Fallback substitution happens after every check so the issue list in
	// the response is complete.
	fallback := r.prof.Validation.FallbackMessage
	if fallback == "" {
		fallback = "No puedo responder con la evidencia disponible sin riesgo de imprecisión normativa."
	}
	substituted := *state.Draft
	substituted.Text = fallback
	delta.Draft = &substituted
	delta.NextAction = datatypes.ActionDone
	delta.StopReason = datatypes.StopValidationFailed
	return delta, nil
}

func validationSummary(result *datatypes.ValidationResult) string {
	if result.Accepted {
		return "answer accepted"
	}
	return "answer rejected: " + strings.Join(result.Issues, ", ")
}
