// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// EpisodicClassName is the Weaviate class holding episodic memories.
const EpisodicClassName = "EpisodicMemory"

// EmbeddingDim is the embedding width stored in the episodic class.
const EmbeddingDim = 768

// VectorStore is the episodic vector tier.
type VectorStore interface {
	Upsert(ctx context.Context, item datatypes.RetrievedMemory, userID string, vector []float32) error
	Search(ctx context.Context, userID string, vector []float32, limit int) ([]datatypes.RetrievedMemory, error)
}

// WeaviateStore implements VectorStore on a Weaviate instance with
// client-side vectors (vectorizer "none", cosine distance).
type WeaviateStore struct {
	client *weaviate.Client
}

var _ VectorStore = (*WeaviateStore)(nil)

// NewWeaviateStore wraps a Weaviate client.
func NewWeaviateStore(client *weaviate.Client) (*WeaviateStore, error) {
	if client == nil {
		return nil, errors.New("weaviate client must not be nil")
	}
	return &WeaviateStore{client: client}, nil
}

// Upsert stores one episodic memory with its vector.
func (s *WeaviateStore) Upsert(ctx context.Context, item datatypes.RetrievedMemory, userID string, vector []float32) error {
	if len(vector) != EmbeddingDim {
		return fmt.Errorf("vector has %d dimensions, want %d", len(vector), EmbeddingDim)
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.client.Data().Creator().
		WithClassName(EpisodicClassName).
		WithProperties(map[string]interface{}{
			"memoryId":   item.ID,
			"userId":     userID,
			"text":       item.Text,
			"importance": item.Importance,
			"createdAt":  createdAt.Format(time.RFC3339),
		}).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("storing episodic memory: %w", err)
	}
	return nil
}

// Search returns the nearest episodic memories for the user, similarity
// populated from cosine certainty. Scoring happens in the gateway.
func (s *WeaviateStore) Search(ctx context.Context, userID string, vector []float32, limit int) ([]datatypes.RetrievedMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	whereFilter := filters.Where().
		WithPath([]string{"userId"}).
		WithOperator(filters.Equal).
		WithValueString(userID)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	result, err := s.client.GraphQL().Get().
		WithClassName(EpisodicClassName).
		WithFields(
			graphql.Field{Name: "memoryId"},
			graphql.Field{Name: "text"},
			graphql.Field{Name: "importance"},
			graphql.Field{Name: "createdAt"},
			graphql.Field{Name: "_additional { certainty }"},
		).
		WithWhere(whereFilter).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("episodic search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("episodic search error: %s", result.Errors[0].Message)
	}

	return parseEpisodic(result)
}

func parseEpisodic(result *models.GraphQLResponse) ([]datatypes.RetrievedMemory, error) {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := get[EpisodicClassName].([]interface{})
	if !ok {
		return nil, nil
	}

	memories := make([]datatypes.RetrievedMemory, 0, len(objects))
	for _, raw := range objects {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		mem := datatypes.RetrievedMemory{
			ID:   getString(obj, "memoryId"),
			Text: getString(obj, "text"),
			Tier: datatypes.TierSemantic,
		}
		if imp, ok := obj["importance"].(float64); ok {
			mem.Importance = imp
		}
		if ts := getString(obj, "createdAt"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				mem.CreatedAt = t
			}
		}
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				// Weaviate certainty is (1+cos)/2; recover cosine similarity.
				mem.Similarity = 2*certainty - 1
			}
		}
		memories = append(memories, mem)
	}
	return memories, nil
}

func getString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
