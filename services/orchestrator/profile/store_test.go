// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfile = `
profile_id: acme-compliance
version: "3"
identity:
  name: asistente-normativo
  language: es
router:
  default_mode: explanatory
  rules:
    - mode: literal_normativa
      keywords_any: ["literal", "textual", "qué dice exactamente"]
      confidence: 0.9
retrieval:
  min_score: 0.8
  backstop_enabled: true
  by_mode:
    literal_normativa:
      chunk_k: 12
      chunk_fetch_k: 60
      summary_k: 0
      require_literal_evidence: true
query_modes:
  modes:
    literal_normativa:
      retrieval_profile: literal_normativa
      execution_plan: ["semantic_retrieval"]
validation:
  require_citations: true
  forbidden_concepts: ["asesoría legal"]
`

func TestParseAppliesDefaults(t *testing.T) {
	p, err := Parse([]byte(sampleProfile), "acme")
	require.NoError(t, err)

	assert.Equal(t, "acme-compliance", p.ProfileID)
	assert.Equal(t, "acme", p.Identity.Tenant)
	assert.Equal(t, "active", p.Status)

	// Unspecified sections fall back to documented defaults.
	assert.Equal(t, DefaultConfidence, p.Router.DefaultConfidence)
	assert.Equal(t, DefaultClausePattern, p.Router.ClausePattern)
	assert.Equal(t, DefaultBackstopTopN, p.Retrieval.BackstopTopN)
	assert.Equal(t, DefaultMaxReflections, p.Capabilities.MaxReflections)
	assert.Equal(t, DefaultMaxInterruptions, p.Interaction.MaxInterruptionsPerTurn)

	// The declared mode gets decomposition defaults filled in.
	mode, declared := p.ModeFor("literal_normativa")
	assert.True(t, declared)
	assert.Equal(t, DefaultMaxSubqueries, mode.Decomposition.MaxSubqueries)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("profile_id: x\nfrobnicate: true\n"), "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid profile document")
}

func TestParseCapsReflections(t *testing.T) {
	p, err := Parse([]byte("capabilities:\n  max_reflections: 40\n"), "acme")
	require.NoError(t, err)
	assert.Equal(t, 6, p.Capabilities.MaxReflections)
}

func TestModeForFallsBackToDefault(t *testing.T) {
	p := Default("acme")

	mode, declared := p.ModeFor("nonexistent")
	assert.False(t, declared)
	assert.Equal(t, []string{DefaultTool}, mode.ExecutionPlan)
}

func TestRetrievalConfigFor(t *testing.T) {
	p, err := Parse([]byte(sampleProfile), "acme")
	require.NoError(t, err)

	cfg, ok := p.RetrievalConfigFor("literal_normativa")
	require.True(t, ok)
	assert.Equal(t, 12, cfg.ChunkK)
	assert.True(t, cfg.RequireLiteralEvidence)

	_, ok = p.RetrievalConfigFor("explanatory")
	assert.False(t, ok)
}

func TestAllowsTool(t *testing.T) {
	p := Default("acme")
	assert.True(t, p.Capabilities.AllowsTool("semantic_retrieval"))
	assert.True(t, p.Capabilities.AllowsTool("python_calculator"))
	assert.False(t, p.Capabilities.AllowsTool("shell"))
}

func TestFileStoreLoadsAndFallsBack(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.yaml"), []byte(sampleProfile), 0o600))

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	p, err := store.ProfileFor(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme-compliance", p.ProfileID)

	// Unknown tenants resolve to the built-in default, never an error.
	p, err = store.ProfileFor(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, "default", p.ProfileID)
	assert.Equal(t, "unknown", p.Identity.Tenant)
}

func TestFileStoreKeepsServingOnBrokenDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.yaml"), []byte(sampleProfile), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("::: not yaml"), 0o600))

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	// The broken tenant gets the default; the good one still loads.
	p, err := store.ProfileFor(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, "default", p.ProfileID)

	p, err = store.ProfileFor(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme-compliance", p.ProfileID)
}
