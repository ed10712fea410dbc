// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

func TestNormalizePredicate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already normalized", "YASAR_YER", "YASAR_YER"},
		{"lowercase", "yasar_yer", "YASAR_YER"},
		{"turkish letters", "yaşar yer", "YASAR_YER"},
		{"dotted capital I", "İLGİLENİR", "ILGILENIR"},
		{"spaces and dashes", "calisir - yer", "CALISIR_YER"},
		{"repeated separators", "sever!!!cok", "SEVER_COK"},
		{"trailing separator", "hedefler...", "HEDEFLER"},
		{"leading separator", "--meslek", "MESLEK"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizePredicate(tt.input)
			assert.Equal(t, tt.want, got)
			// Normalization must be idempotent.
			assert.Equal(t, got, NormalizePredicate(got))
		})
	}
}

func TestCatalogBuiltins(t *testing.T) {
	cat, err := NewCatalog("", nil)
	require.NoError(t, err)

	meta, ok := cat.Lookup("yasar_yer")
	require.True(t, ok)
	assert.Equal(t, datatypes.PredicateExclusive, meta.Type)
	assert.Equal(t, datatypes.DurabilityLongTerm, meta.Durability)

	assert.True(t, cat.IsExclusive("YASAR_YER"))
	assert.False(t, cat.IsExclusive("SEVER"))
	assert.False(t, cat.IsExclusive("HIC_YOK"))

	assert.Equal(t, datatypes.DurabilityEphemeral, cat.Durability("HISSEDER"))
	assert.Equal(t, "", cat.Durability("HIC_YOK"))
}

func TestCatalogWeightsFallback(t *testing.T) {
	cat, err := NewCatalog("", nil)
	require.NoError(t, err)

	u, s := cat.Weights("YASAR_YER")
	assert.InDelta(t, 0.9, u, 0.001)
	assert.InDelta(t, 0.8, s, 0.001)

	// Uncataloged predicates get the hard-coded fallback.
	u, s = cat.Weights("BILINMEYEN")
	assert.Equal(t, fallbackUtility, u)
	assert.Equal(t, fallbackStability, s)
}

func TestCatalogFileOverridesBuiltins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "predicates.yaml")
	content := `
predicates:
  YASAR_YER:
    type: exclusive
    durability: static
    category: identity
    utility: 0.99
    stability: 0.99
  "yeni predikat":
    type: additive
    durability: session
category_weights:
  identity:
    utility: 0.8
    stability: 0.8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cat, err := NewCatalog(path, nil)
	require.NoError(t, err)

	meta, ok := cat.Lookup("YASAR_YER")
	require.True(t, ok)
	assert.Equal(t, datatypes.DurabilityStatic, meta.Durability)
	assert.InDelta(t, 0.99, meta.Utility, 0.001)

	// Keys are normalized on load.
	_, ok = cat.Lookup("YENI_PREDIKAT")
	assert.True(t, ok)

	// Category weights back entries without explicit weights.
	u, s := cat.Weights("YENI_PREDIKAT")
	assert.Equal(t, fallbackUtility, u)
	assert.Equal(t, fallbackStability, s)
}

func TestCatalogMissingFileUsesBuiltins(t *testing.T) {
	cat, err := NewCatalog(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.NoError(t, err)
	_, ok := cat.Lookup("SEVER")
	assert.True(t, ok)
}
