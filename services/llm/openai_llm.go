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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// OpenAIAdapter speaks the OpenAI chat-completions protocol. It also
// serves OpenAI-compatible relays (OpenRouter and friends) via BaseURL.
type OpenAIAdapter struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// Compile-time interface implementation check.
var _ ProviderAdapter = (*OpenAIAdapter)(nil)

// NewOpenAIAdapter creates an adapter. baseURL may be empty for the
// default endpoint. The shared http.Client carries no timeout of its
// own; per-attempt deadlines come from the gateway's context.
func NewOpenAIAdapter(baseURL string, logger *slog.Logger) *OpenAIAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIAdapter{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		logger:     logger,
	}
}

// clientFor builds a per-key client over the shared transport.
func (o *OpenAIAdapter) clientFor(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	cfg.HTTPClient = o.httpClient
	return openai.NewClientWithConfig(cfg)
}

// Generate implements ProviderAdapter.
func (o *OpenAIAdapter) Generate(ctx context.Context, model, apiKey string, req datatypes.GenerationRequest) (*datatypes.ProviderResult, error) {
	chatReq := o.buildRequest(model, req, false)

	resp, err := o.clientFor(apiKey).CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, categorized(Categorize(err), fmt.Errorf("openai completion failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, categorized(datatypes.ErrServer, fmt.Errorf("openai returned no choices"))
	}

	o.logger.Debug("openai completion done",
		"model", model, "finish_reason", resp.Choices[0].FinishReason)

	return &datatypes.ProviderResult{
		Text:   resp.Choices[0].Message.Content,
		Tokens: resp.Usage.TotalTokens,
		Raw:    resp,
	}, nil
}

// Stream implements ProviderAdapter. The returned channel is closed after
// the last chunk; a chunk with Err set terminates the sequence.
func (o *OpenAIAdapter) Stream(ctx context.Context, model, apiKey string, req datatypes.GenerationRequest) (<-chan datatypes.StreamChunk, error) {
	chatReq := o.buildRequest(model, req, true)

	stream, err := o.clientFor(apiKey).CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, categorized(Categorize(err), fmt.Errorf("openai stream open failed: %w", err))
	}

	out := make(chan datatypes.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case out <- datatypes.StreamChunk{Err: categorized(Categorize(err), err)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- datatypes.StreamChunk{Text: delta}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Embed computes embeddings for the given texts with a fixed output
// dimensionality matching the vector store schema.
func (o *OpenAIAdapter) Embed(ctx context.Context, apiKey, model string, texts []string, dimensions int) ([][]float32, error) {
	resp, err := o.clientFor(apiKey).CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(model),
		Dimensions: dimensions,
	})
	if err != nil {
		return nil, categorized(Categorize(err), fmt.Errorf("openai embeddings failed: %w", err))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// buildRequest converts the neutral request into the vendor shape.
// When both Prompt and Messages are present, Messages win.
func (o *OpenAIAdapter) buildRequest(model string, req datatypes.GenerationRequest, stream bool) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	} else {
		messages = append(messages, userMessage(req.Prompt, req.Images))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		chatReq.MaxCompletionTokens = *req.MaxTokens
	}
	return chatReq
}

// userMessage builds the final user turn, attaching image handles as
// multi-content parts when present.
func userMessage(prompt string, images []string) openai.ChatCompletionMessage {
	if len(images) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}
	}
	parts := []openai.ChatMessagePart{{
		Type: openai.ChatMessagePartTypeText,
		Text: prompt,
	}}
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: img},
		})
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}
