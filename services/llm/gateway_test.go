// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// fakeAdapter answers with canned results and records which models were
// attempted.
type fakeAdapter struct {
	mu     sync.Mutex
	calls  []string
	genErr error
	text   string

	streamErr    error
	streamChunks []datatypes.StreamChunk
}

func (f *fakeAdapter) Generate(_ context.Context, model, _ string, _ datatypes.GenerationRequest) (*datatypes.ProviderResult, error) {
	f.record(model)
	if f.genErr != nil {
		return nil, f.genErr
	}
	return &datatypes.ProviderResult{Text: f.text, Tokens: 10}, nil
}

func (f *fakeAdapter) Stream(_ context.Context, model, _ string, _ datatypes.GenerationRequest) (<-chan datatypes.StreamChunk, error) {
	f.record(model)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan datatypes.StreamChunk, len(f.streamChunks))
	for _, c := range f.streamChunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) record(model string) {
	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.mu.Unlock()
}

func testKeyConfig() *datatypes.Config {
	return &datatypes.Config{
		OpenAIKeys: []string{"sk-test-aaaaaaaaaaaa"},
		GeminiKeys: []string{"gm-test-bbbbbbbbbbbb"},
	}
}

func newTestGateway(adapters map[string]ProviderAdapter, limits map[string]BudgetLimits, cfg *datatypes.Config) *Gateway {
	gov := NewGovernance(nil, nil)
	if cfg == nil {
		cfg = testKeyConfig()
	}
	keys := NewKeyManager(cfg, gov, nil)
	budget := NewBudgetTracker(limits, nil)
	gw := NewGateway(adapters, keys, budget, gov, nil, nil)
	gw.SetAttemptTimeout(2 * time.Second)
	return gw
}

func TestGenerateFirstModelWins(t *testing.T) {
	openaiFake := &fakeAdapter{text: "cevap"}
	geminiFake := &fakeAdapter{text: "cevap"}
	gw := newTestGateway(map[string]ProviderAdapter{
		ProviderOpenAI: openaiFake,
		ProviderGemini: geminiFake,
	}, nil, nil)

	// The logic chain starts with an OpenAI-family model.
	res, err := gw.Generate(context.Background(), datatypes.GenerationRequest{
		Role: datatypes.RoleLogic, Prompt: "2+2",
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", res.Model)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Fallback)
	assert.Empty(t, geminiFake.calls)
}

func TestGenerateFallsBackOnServerError(t *testing.T) {
	openaiFake := &fakeAdapter{genErr: categorized(datatypes.ErrServer, errors.New("502"))}
	geminiFake := &fakeAdapter{text: "yedek cevap"}
	gw := newTestGateway(map[string]ProviderAdapter{
		ProviderOpenAI: openaiFake,
		ProviderGemini: geminiFake,
	}, nil, nil)

	res, err := gw.Generate(context.Background(), datatypes.GenerationRequest{
		Role: datatypes.RoleLogic, Prompt: "soru",
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", res.Model)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, res.Fallback)
}

func TestGenerateBudgetRejectionIsTerminal(t *testing.T) {
	openaiFake := &fakeAdapter{text: "asla"}
	geminiFake := &fakeAdapter{text: "asla"}
	gw := newTestGateway(map[string]ProviderAdapter{
		ProviderOpenAI: openaiFake,
		ProviderGemini: geminiFake,
	}, map[string]BudgetLimits{"gpt-5": {Requests: 1}}, nil)

	gw.budget.RecordUsage("gpt-5", 10, "")

	_, err := gw.Generate(context.Background(), datatypes.GenerationRequest{
		Role: datatypes.RoleLogic, Prompt: "soru",
	})
	var gerr *datatypes.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, datatypes.ErrBudget, gerr.Category)
	assert.False(t, gerr.Retryable)
	assert.Empty(t, openaiFake.calls, "budget rejection must not reach the adapter")
	assert.Empty(t, geminiFake.calls, "budget rejection must not try later chain entries")
}

func TestGenerateChainExhausted(t *testing.T) {
	failing := &fakeAdapter{genErr: categorized(datatypes.ErrServer, errors.New("down"))}
	gw := newTestGateway(map[string]ProviderAdapter{
		ProviderOpenAI: failing,
		ProviderGemini: failing,
	}, nil, nil)

	_, err := gw.Generate(context.Background(), datatypes.GenerationRequest{
		Role: datatypes.RoleFast, Prompt: "soru",
	})
	var gerr *datatypes.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, datatypes.ErrNoModel, gerr.Category)
	assert.True(t, gerr.Retryable)
	assert.Len(t, gerr.Attempts, 2, "every chain entry should leave an attempt record")
}

func TestGenerateSkipsFamilyWithoutKeys(t *testing.T) {
	openaiFake := &fakeAdapter{text: "cevap"}
	geminiFake := &fakeAdapter{text: "cevap"}
	cfg := testKeyConfig()
	cfg.GeminiKeys = nil
	gw := newTestGateway(map[string]ProviderAdapter{
		ProviderOpenAI: openaiFake,
		ProviderGemini: geminiFake,
	}, nil, cfg)

	// The creative chain starts with a Gemini-family model.
	res, err := gw.Generate(context.Background(), datatypes.GenerationRequest{
		Role: datatypes.RoleCreative, Prompt: "bir şiir yaz",
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", res.Model)
	assert.True(t, res.Fallback)
	assert.Empty(t, geminiFake.calls)
}

func TestStreamFallsBackBeforeFirstChunk(t *testing.T) {
	openaiFake := &fakeAdapter{text: "cevap"}
	geminiFake := &fakeAdapter{streamErr: categorized(datatypes.ErrServer, errors.New("boom"))}
	openaiFake.streamChunks = []datatypes.StreamChunk{{Text: "par"}, {Text: "ça"}}
	gw := newTestGateway(map[string]ProviderAdapter{
		ProviderOpenAI: openaiFake,
		ProviderGemini: geminiFake,
	}, nil, nil)

	// The creative chain is gemini first, openai second.
	session, err := gw.Stream(context.Background(), datatypes.GenerationRequest{
		Role: datatypes.RoleCreative, Prompt: "yaz",
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", session.Model)
	assert.Equal(t, 2, session.Attempts)
	assert.True(t, session.Fallback)

	var text string
	for chunk := range session.Chunks {
		require.NoError(t, chunk.Err)
		text += chunk.Text
	}
	assert.Equal(t, "parça", text)
}

func TestStreamCommitsAfterFirstChunk(t *testing.T) {
	upstream := errors.New("connection reset")
	openaiFake := &fakeAdapter{streamChunks: []datatypes.StreamChunk{
		{Text: "başla"},
		{Err: upstream},
	}}
	geminiFake := &fakeAdapter{streamChunks: []datatypes.StreamChunk{{Text: "asla"}}}
	gw := newTestGateway(map[string]ProviderAdapter{
		ProviderOpenAI: openaiFake,
		ProviderGemini: geminiFake,
	}, nil, nil)

	session, err := gw.Stream(context.Background(), datatypes.GenerationRequest{
		Role: datatypes.RoleLogic, Prompt: "yaz",
	})
	require.NoError(t, err)

	var chunks []datatypes.StreamChunk
	for chunk := range session.Chunks {
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "başla", chunks[0].Text)
	assert.True(t, datatypes.IsStreamError(chunks[1].Text), "mid-stream failure ends with a sentinel chunk")
	assert.Error(t, chunks[1].Err)
	assert.Empty(t, geminiFake.calls, "no fallback after the stream is committed")
}
