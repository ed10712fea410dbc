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
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// DocumentClassName is the Weaviate class holding ingested document
// chunks.
const DocumentClassName = "DocumentChunk"

// Chunking parameters shared by all splitters.
const (
	chunkSize    = 1000
	chunkOverlap = 150
)

// documentResultLimit caps retrieval hits.
const documentResultLimit = 5

var markdownSeparators = []string{"\n## ", "\n### ", "\n\n", "\n", " "}
var defaultSeparators = []string{"\n\n", "\n", ". ", " "}

// DocumentStore ingests user documents into Weaviate and serves hybrid
// retrieval over them. It doubles as the "document_search" tool.
type DocumentStore struct {
	client *weaviate.Client
}

var _ Tool = (*DocumentStore)(nil)

// NewDocumentStore wraps a Weaviate client.
func NewDocumentStore(client *weaviate.Client) (*DocumentStore, error) {
	if client == nil {
		return nil, errors.New("weaviate client must not be nil")
	}
	return &DocumentStore{client: client}, nil
}

func (d *DocumentStore) Name() string { return "document_search" }

func (d *DocumentStore) Description() string {
	return "Kullanıcının yüklediği belgelerde arama yapar."
}

// Ingest splits a document and stores its chunks in a single batch.
// Returns the number of chunks written.
func (d *DocumentStore) Ingest(ctx context.Context, userID, filename, content string) (int, error) {
	if strings.TrimSpace(content) == "" {
		return 0, errors.New("document content is empty")
	}
	chunks, err := splitterFor(filename).SplitText(content)
	if err != nil {
		return 0, fmt.Errorf("failed to split document: %w", err)
	}

	docID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	objects := make([]*models.Object, 0, len(chunks))
	for i, chunk := range chunks {
		objects = append(objects, &models.Object{
			Class: DocumentClassName,
			Properties: map[string]interface{}{
				"documentId": docID,
				"userId":     userID,
				"filename":   filename,
				"chunkIndex": i,
				"content":    chunk,
				"createdAt":  now,
			},
		})
	}

	batcher := d.client.Batch().ObjectsBatcher()
	for _, obj := range objects {
		batcher = batcher.WithObjects(obj)
	}
	if _, err := batcher.Do(ctx); err != nil {
		return 0, fmt.Errorf("failed to store document chunks: %w", err)
	}
	return len(chunks), nil
}

// Execute runs hybrid retrieval for params["query"], scoped to
// params["user_id"].
func (d *DocumentStore) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	query, _ := params["query"].(string)
	userID, _ := params["user_id"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("document_search: missing query parameter")
	}
	if userID == "" {
		return nil, errors.New("document_search: missing user_id parameter")
	}

	whereFilter := filters.Where().
		WithPath([]string{"userId"}).
		WithOperator(filters.Equal).
		WithValueString(userID)

	hybrid := d.client.GraphQL().HybridArgumentBuilder().
		WithQuery(query).
		WithAlpha(0.5)

	result, err := d.client.GraphQL().Get().
		WithClassName(DocumentClassName).
		WithFields(
			graphql.Field{Name: "filename"},
			graphql.Field{Name: "chunkIndex"},
			graphql.Field{Name: "content"},
		).
		WithWhere(whereFilter).
		WithHybrid(hybrid).
		WithLimit(documentResultLimit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("document_search: query failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("document_search: %s", result.Errors[0].Message)
	}

	return renderDocumentHits(result)
}

func renderDocumentHits(result *models.GraphQLResponse) (*Result, error) {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return &Result{Output: "Belgelerde eşleşme bulunamadı."}, nil
	}
	objects, ok := get[DocumentClassName].([]interface{})
	if !ok || len(objects) == 0 {
		return &Result{Output: "Belgelerde eşleşme bulunamadı."}, nil
	}

	var b strings.Builder
	var sources []datatypes.SourceInfo
	for i, raw := range objects {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		filename, _ := obj["filename"].(string)
		content, _ := obj["content"].(string)
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, filename, content)
		sources = append(sources, datatypes.SourceInfo{
			Title:   filename,
			Snippet: snippet(content),
			Type:    "document",
		})
	}
	return &Result{Output: strings.TrimSpace(b.String()), Sources: sources}, nil
}

// snippet truncates chunk content for the sources event.
func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= 200 {
		return content
	}
	return string(runes[:200]) + "…"
}

// splitterFor picks separators by file extension; markdown keeps
// heading structure, everything else splits on paragraphs.
func splitterFor(filename string) textsplitter.TextSplitter {
	seps := defaultSeparators
	if filepath.Ext(filename) == ".md" {
		seps = markdownSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
		textsplitter.WithSeparators(seps),
	)
}
