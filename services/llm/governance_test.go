// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

func TestChainForKnownRole(t *testing.T) {
	gov := NewGovernance(nil, nil)
	chain := gov.ChainFor(datatypes.RoleSynthesizer)
	require.NotEmpty(t, chain)
	assert.Equal(t, "gemini-2.5-pro", chain[0])
}

func TestChainForUnknownRoleFallsBackToFast(t *testing.T) {
	gov := NewGovernance(nil, nil)
	assert.Equal(t, gov.ChainFor(datatypes.RoleFast), gov.ChainFor("no_such_role"))
}

func TestOverridesMergeAndDedupe(t *testing.T) {
	gov := NewGovernance(datatypes.ChainOverrides{
		datatypes.RoleSynthesizer: {"gpt-4o", "gemini-2.5-pro"},
	}, nil)

	chain := gov.ChainFor(datatypes.RoleSynthesizer)
	// Override first, master appended, duplicates dropped in order.
	assert.Equal(t, []string{"gpt-4o", "gemini-2.5-pro", "gpt-5"}, chain)
}

func TestWithOverridePrependsAdHocModel(t *testing.T) {
	gov := NewGovernance(nil, nil)

	chain := gov.WithOverride(datatypes.RoleFast, "gpt-5")
	require.NotEmpty(t, chain)
	assert.Equal(t, "gpt-5", chain[0])

	unchanged := gov.WithOverride(datatypes.RoleFast, "")
	assert.Equal(t, gov.ChainFor(datatypes.RoleFast), unchanged)
}

func TestDetectProvider(t *testing.T) {
	gov := NewGovernance(nil, nil)
	assert.Equal(t, ProviderGemini, gov.DetectProvider("gemini-2.5-flash"))
	assert.Equal(t, ProviderOpenAI, gov.DetectProvider("gpt-5-mini"))
	assert.Equal(t, ProviderOpenAI, gov.DetectProvider("text-embedding-3-small"))
}
