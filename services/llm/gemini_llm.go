// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/genai"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// GeminiAdapter speaks the Gemini API via google.golang.org/genai.
//
// Clients are cached per API key; genai clients are safe for concurrent
// use and hold no per-request state.
type GeminiAdapter struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// Compile-time interface implementation check.
var _ ProviderAdapter = (*GeminiAdapter)(nil)

// NewGeminiAdapter creates an adapter with an empty client cache.
func NewGeminiAdapter(logger *slog.Logger) *GeminiAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiAdapter{
		logger:  logger,
		clients: make(map[string]*genai.Client),
	}
}

func (g *GeminiAdapter) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, categorized(datatypes.ErrAuth, fmt.Errorf("failed to create genai client: %w", err))
	}
	g.clients[apiKey] = c
	return c, nil
}

// Generate implements ProviderAdapter.
func (g *GeminiAdapter) Generate(ctx context.Context, model, apiKey string, req datatypes.GenerationRequest) (*datatypes.ProviderResult, error) {
	client, err := g.clientFor(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	contents, config := g.buildRequest(req)
	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, categorized(Categorize(err), fmt.Errorf("gemini generation failed: %w", err))
	}

	text := resp.Text()
	if text == "" {
		return nil, categorized(datatypes.ErrServer, fmt.Errorf("gemini returned empty content"))
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	g.logger.Debug("gemini generation done", "model", model, "tokens", tokens)

	return &datatypes.ProviderResult{Text: text, Tokens: tokens, Raw: resp}, nil
}

// Stream implements ProviderAdapter.
func (g *GeminiAdapter) Stream(ctx context.Context, model, apiKey string, req datatypes.GenerationRequest) (<-chan datatypes.StreamChunk, error) {
	client, err := g.clientFor(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	contents, config := g.buildRequest(req)
	out := make(chan datatypes.StreamChunk)

	go func() {
		defer close(out)
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				select {
				case out <- datatypes.StreamChunk{Err: categorized(Categorize(err), err)}:
				case <-ctx.Done():
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case out <- datatypes.StreamChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (g *GeminiAdapter) buildRequest(req datatypes.GenerationRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature != nil {
		config.Temperature = req.Temperature
	}
	if req.MaxTokens != nil {
		config.MaxOutputTokens = int32(*req.MaxTokens)
	}

	var contents []*genai.Content
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			role := genai.Role(genai.RoleUser)
			if m.Role == "assistant" {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(m.Content, role))
		}
	} else {
		contents = genai.Text(req.Prompt)
	}
	return contents, config
}
