// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm implements the model-access layer: provider adapters, the
// key pool, the budget tracker, governance and the fallback gateway.
//
// Layering is strict. Adapters (openai_llm.go, gemini_llm.go) translate
// requests to vendor protocols and normalize errors; they never retry,
// never consult governance, never touch the key pool. The Gateway
// (gateway.go) owns the fallback loop and all accounting.
package llm

import (
	"context"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// Provider family identifiers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ProviderAdapter is the uniform request/stream interface to one vendor.
//
// # Description
//
// Generate performs a single blocking completion. Stream returns a lazy
// chunk sequence; the channel is closed after the final chunk, and a
// chunk with Err set terminates the sequence early. The apiKey is
// selected by the caller per attempt; adapters hold no key state.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ProviderAdapter interface {
	Generate(ctx context.Context, model, apiKey string, req datatypes.GenerationRequest) (*datatypes.ProviderResult, error)
	Stream(ctx context.Context, model, apiKey string, req datatypes.GenerationRequest) (<-chan datatypes.StreamChunk, error)
}
