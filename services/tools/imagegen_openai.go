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

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIImageBackend renders queue jobs through the OpenAI images API.
type OpenAIImageBackend struct {
	client *openai.Client
	model  string
}

var _ ImageBackend = (*OpenAIImageBackend)(nil)

// NewOpenAIImageBackend creates a backend with a dedicated API key.
// Model defaults to DALL-E 3 when empty.
func NewOpenAIImageBackend(apiKey, model string) *OpenAIImageBackend {
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	return &OpenAIImageBackend{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// Render generates one image and returns its hosted URL.
func (b *OpenAIImageBackend) Render(ctx context.Context, prompt string) (string, error) {
	resp, err := b.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          b.model,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", fmt.Errorf("image render request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return "", errors.New("image render returned no data")
	}
	return resp.Data[0].URL, nil
}
