// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

// CalculatorName is the planner-visible name of the arithmetic tool. The
// name is historical; evaluation happens in-process, no interpreter is
// spawned.
const CalculatorName = "python_calculator"

// arithmetic expressions embedded in prose, e.g. "3 * (12 + 4)".
var expressionPattern = regexp.MustCompile(`[-+]?\d+(?:[.,]\d+)?(?:\s*[-+*/%^()]\s*[-+]?\d+(?:[.,]\d+)?)+`)

// Calculator evaluates arithmetic expressions the planner extracts from
// analytical queries (percentage thresholds, audit interval math).
type Calculator struct{}

// Name implements Tool.
func (Calculator) Name() string { return CalculatorName }

// Execute implements Tool.
//
// The expression comes from the "expression" argument; when absent the tool
// tries to derive one from the working query. No derivable expression is a
// non-retryable missing_expression result, never a Go error.
func (Calculator) Execute(_ context.Context, inv Invocation) (*datatypes.ToolResult, error) {
	expr, _ := inv.Args["expression"].(string)
	if expr == "" {
		expr = deriveExpression(inv.State.WorkingQuery)
	}
	if expr == "" {
		result := &datatypes.ToolResult{
			Tool:  CalculatorName,
			OK:    false,
			Error: datatypes.CodeMissingExpression,
		}
		recordOutcome(CalculatorName, result)
		return result, nil
	}

	parsed, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		result := &datatypes.ToolResult{
			Tool:  CalculatorName,
			OK:    false,
			Error: datatypes.ToolErrorPrefix + "invalid_expression",
		}
		recordOutcome(CalculatorName, result)
		return result, nil
	}
	value, err := parsed.Evaluate(nil)
	if err != nil {
		result := &datatypes.ToolResult{
			Tool:  CalculatorName,
			OK:    false,
			Error: datatypes.ToolErrorPrefix + "evaluation_failed",
		}
		recordOutcome(CalculatorName, result)
		return result, nil
	}

	result := &datatypes.ToolResult{
		Tool: CalculatorName,
		OK:   true,
		Output: map[string]any{
			"expression": expr,
			"result":     fmt.Sprintf("%v", value),
		},
	}
	recordOutcome(CalculatorName, result)
	return result, nil
}

// deriveExpression pulls the first arithmetic expression out of prose,
// normalizing decimal commas.
func deriveExpression(query string) string {
	match := expressionPattern.FindString(query)
	if match == "" {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSpace(match), ",", ".")
}
