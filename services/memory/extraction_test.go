// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) Generate(context.Context, datatypes.GenerationRequest) (*datatypes.GatewayResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &datatypes.GatewayResult{Text: f.text, Model: "test"}, nil
}

func TestExtractParsesFactsAndReminders(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n" + `{
		"facts": [
			{"subject": "user", "predicate": "yasar yer", "object": " İzmir ",
			 "category": "identity", "confidence": 1.4, "importance": 7}
		],
		"reminders": [
			{"text": "annemi ara", "due_at": "2026-09-01T18:00:00Z"}
		]
	}` + "\n```"}
	ex := NewExtractor(gen, nil)

	result, err := ex.Extract(context.Background(), "u1", "İzmir'e taşındım, yarın annemi aramam lazım", "turn-1")
	require.NoError(t, err)

	require.Len(t, result.Facts, 1)
	fact := result.Facts[0]
	assert.Equal(t, "u1", fact.Subject)
	assert.Equal(t, "YASAR_YER", fact.Predicate)
	assert.Equal(t, "İzmir", fact.Object)
	// Confidence is clamped into [0,1].
	assert.Equal(t, 1.0, fact.Confidence)
	assert.Equal(t, "turn-1", fact.SourceTurnID)
	assert.NotEmpty(t, fact.ID)

	require.Len(t, result.Reminders, 1)
	assert.Equal(t, "annemi ara", result.Reminders[0].Text)
	assert.Equal(t, "u1", result.Reminders[0].UserID)
	assert.False(t, result.Reminders[0].Delivered)
}

func TestExtractToleratesMalformedResponse(t *testing.T) {
	ex := NewExtractor(&fakeGenerator{text: "tabii, işte bilgiler!"}, nil)
	result, err := ex.Extract(context.Background(), "u1", "merhaba", "turn-1")
	require.NoError(t, err)
	assert.Empty(t, result.Facts)
	assert.Empty(t, result.Reminders)
}

func TestExtractDropsIncompleteEntries(t *testing.T) {
	gen := &fakeGenerator{text: `{
		"facts": [
			{"predicate": "", "object": "x", "confidence": 0.9},
			{"predicate": "SEVER", "object": "", "confidence": 0.9}
		],
		"reminders": [
			{"text": "bozuk tarih", "due_at": "yarın"}
		]
	}`}
	ex := NewExtractor(gen, nil)
	result, err := ex.Extract(context.Background(), "u1", "msg", "turn-1")
	require.NoError(t, err)
	assert.Empty(t, result.Facts)
	assert.Empty(t, result.Reminders)
}

func TestExtractPropagatesGatewayError(t *testing.T) {
	ex := NewExtractor(&fakeGenerator{err: assert.AnError}, nil)
	_, err := ex.Extract(context.Background(), "u1", "msg", "turn-1")
	assert.Error(t, err)
}
