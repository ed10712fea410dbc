// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"fmt"

	"github.com/reverie-ai/reverie/services/llm"
)

// Embedder turns text into fixed-width vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// defaultEmbeddingModel backs the embedding role when no override is set.
const defaultEmbeddingModel = "text-embedding-3-small"

// OpenAIEmbedder embeds via the OpenAI adapter, drawing keys from the
// shared key manager under the same health and pacing rules as
// generation traffic.
type OpenAIEmbedder struct {
	adapter *llm.OpenAIAdapter
	keys    *llm.KeyManager
	model   string
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder. model may be empty to use the
// default embedding model.
func NewOpenAIEmbedder(adapter *llm.OpenAIAdapter, keys *llm.KeyManager, model string) *OpenAIEmbedder {
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &OpenAIEmbedder{adapter: adapter, keys: keys, model: model}
}

// Embed returns one EmbeddingDim-wide vector per input text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	key := e.keys.GetBestKey(e.model)
	if key == nil {
		return nil, fmt.Errorf("no healthy key for embedding model %s", e.model)
	}
	if err := e.keys.WaitForSlot(ctx, e.model); err != nil {
		return nil, err
	}

	raw, destroy, err := key.Open()
	if err != nil {
		return nil, err
	}
	vectors, err := e.adapter.Embed(ctx, raw, e.model, texts, EmbeddingDim)
	destroy()
	if err != nil {
		e.keys.ReportError(key, llm.Categorize(err), e.model)
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	e.keys.ReportSuccess(key, e.model)
	return vectors, nil
}
