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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalza96/CIRE-ORCH-sub000/services/orchestrator/datatypes"
)

func calcInvocation(query string, args map[string]any) Invocation {
	return Invocation{
		Args:  args,
		State: datatypes.NewFlowState(query, "t", "c"),
	}
}

func TestCalculatorEvaluatesExplicitExpression(t *testing.T) {
	result, err := Calculator{}.Execute(context.Background(), calcInvocation("", map[string]any{"expression": "3 * (12 + 4)"}))
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, "3 * (12 + 4)", result.Output["expression"])
	assert.Equal(t, "48", result.Output["result"])
}

func TestCalculatorDerivesExpressionFromQuery(t *testing.T) {
	inv := calcInvocation("Si la norma exige 2 auditorías al año, ¿cuántas son en 3 + 2 años?", nil)

	result, err := Calculator{}.Execute(context.Background(), inv)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, "3 + 2", result.Output["expression"])
	assert.Equal(t, "5", result.Output["result"])
}

func TestCalculatorNormalizesDecimalCommas(t *testing.T) {
	inv := calcInvocation("calcula 1,5 * 4", nil)

	result, err := Calculator{}.Execute(context.Background(), inv)
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, "1.5 * 4", result.Output["expression"])
	assert.Equal(t, "6", result.Output["result"])
}

func TestCalculatorMissingExpression(t *testing.T) {
	inv := calcInvocation("qué exige la norma sobre auditorías", nil)

	result, err := Calculator{}.Execute(context.Background(), inv)
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, datatypes.CodeMissingExpression, result.Error)
}

func TestCalculatorInvalidExpression(t *testing.T) {
	result, err := Calculator{}.Execute(context.Background(), calcInvocation("", map[string]any{"expression": "3 +* )("}))
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, datatypes.ToolErrorPrefix+"invalid_expression", result.Error)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Calculator{})

	tool, ok := reg.Get(CalculatorName)
	require.True(t, ok)
	assert.Equal(t, CalculatorName, tool.Name())

	_, ok = reg.Get("shell")
	assert.False(t, ok)

	assert.Equal(t, []string{CalculatorName}, reg.Names())
}
