// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// memorySearchLimit is how many stored memories one lookup returns.
const memorySearchLimit = 5

// MemoryVectorSearcher is the slice of the episodic vector tier the
// memory search tool needs.
type MemoryVectorSearcher interface {
	Search(ctx context.Context, userID string, vector []float32, limit int) ([]datatypes.RetrievedMemory, error)
}

// QueryEmbedder embeds the lookup query.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// MemorySearch answers "ne hatırlıyorsun?" style plan tasks with a
// semantic lookup over the user's stored memories. Read-only; deletions
// go through memory_control.
type MemorySearch struct {
	vectors  MemoryVectorSearcher
	embedder QueryEmbedder
}

var _ Tool = (*MemorySearch)(nil)

// NewMemorySearch wraps the episodic tier.
func NewMemorySearch(vectors MemoryVectorSearcher, embedder QueryEmbedder) *MemorySearch {
	return &MemorySearch{vectors: vectors, embedder: embedder}
}

func (m *MemorySearch) Name() string { return "memory_search" }

func (m *MemorySearch) Description() string {
	return "Kullanıcı hakkında kaydedilmiş anıları anlamsal olarak arar."
}

// Execute handles params: query, user_id.
func (m *MemorySearch) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	query, _ := params["query"].(string)
	userID, _ := params["user_id"].(string)
	if strings.TrimSpace(query) == "" || userID == "" {
		return nil, errors.New("memory_search: query and user_id are required")
	}

	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		return nil, fmt.Errorf("memory_search: embedding query: %w", err)
	}
	found, err := m.vectors.Search(ctx, userID, vecs[0], memorySearchLimit)
	if err != nil {
		return nil, fmt.Errorf("memory_search: %w", err)
	}
	if len(found) == 0 {
		return &Result{Output: "Bu konuyla ilgili kayıtlı bir anı yok."}, nil
	}

	var b strings.Builder
	for _, mem := range found {
		fmt.Fprintf(&b, "- %s (önem: %.1f)\n", mem.Text, mem.Importance)
	}
	return &Result{Output: strings.TrimRight(b.String(), "\n")}, nil
}
