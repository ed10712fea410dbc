// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// Generator is the slice of the LLM gateway the extractor needs.
type Generator interface {
	Generate(ctx context.Context, req datatypes.GenerationRequest) (*datatypes.GatewayResult, error)
}

// extractionMaxTokens bounds the extraction response.
const extractionMaxTokens = 1024

const extractionSystemPrompt = `Sen bir bilgi çıkarım motorusun. Kullanıcı mesajından kalıcı bilgileri çıkar.

Yalnızca şu JSON şemasıyla yanıt ver, başka hiçbir şey yazma:
{
  "facts": [
    {"subject": "user", "predicate": "YASAR_YER", "object": "İzmir",
     "category": "identity", "confidence": 0.9, "importance": 7,
     "sentiment": "neutral"}
  ],
  "reminders": [
    {"text": "annemi ara", "due_at": "2025-06-01T18:00:00Z"}
  ]
}

Kurallar:
- predicate büyük harf ve alt çizgi ile yazılır (YASAR_YER, SEVER, HEDEFLER).
- confidence 0 ile 1 arasında, importance 0 ile 10 arasında.
- Çıkarılacak bilgi yoksa boş listeler döndür.
- Gelecek zamanlı, tarihli istekler reminders listesine girer.`

// ExtractionResult is the parsed output of one extraction pass.
type ExtractionResult struct {
	Facts     []datatypes.Fact
	Reminders []datatypes.ProspectiveTask
}

type extractionPayload struct {
	Facts []struct {
		Subject    string  `json:"subject"`
		Predicate  string  `json:"predicate"`
		Object     string  `json:"object"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
		Importance float64 `json:"importance"`
		Sentiment  string  `json:"sentiment"`
	} `json:"facts"`
	Reminders []struct {
		Text  string `json:"text"`
		DueAt string `json:"due_at"`
	} `json:"reminders"`
}

// Extractor runs LLM-based knowledge extraction over a finished turn.
type Extractor struct {
	llm    Generator
	logger *slog.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(llm Generator, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{llm: llm, logger: logger}
}

// Extract pulls candidate facts and reminders from the user's message.
// A malformed model response yields an empty result, not an error; the
// write-back loop treats extraction as best-effort.
func (e *Extractor) Extract(ctx context.Context, userID, userMessage, turnID string) (*ExtractionResult, error) {
	resp, err := e.llm.Generate(ctx, datatypes.GenerationRequest{
		Role:         datatypes.RoleKnowledgeExtraction,
		SystemPrompt: extractionSystemPrompt,
		Prompt:       userMessage,
		Temperature:  ptr(float32(0)),
		MaxTokens:    ptr(extractionMaxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}

	payload, err := parseExtraction(resp.Text)
	if err != nil {
		e.logger.Warn("unparseable extraction response, dropping", "error", err)
		return &ExtractionResult{}, nil
	}

	now := time.Now().UTC()
	result := &ExtractionResult{}
	for _, f := range payload.Facts {
		if f.Predicate == "" || f.Object == "" {
			continue
		}
		subject := f.Subject
		if subject == "" || subject == "user" {
			subject = userID
		}
		result.Facts = append(result.Facts, datatypes.Fact{
			ID:           ulid.Make().String(),
			Subject:      subject,
			Predicate:    NormalizePredicate(f.Predicate),
			Object:       strings.TrimSpace(f.Object),
			Category:     f.Category,
			Confidence:   clamp01(f.Confidence),
			Importance:   f.Importance,
			Sentiment:    f.Sentiment,
			SourceTurnID: turnID,
			Status:       datatypes.FactActive,
			UpdatedAt:    now,
		})
	}
	for _, r := range payload.Reminders {
		if r.Text == "" {
			continue
		}
		due, err := time.Parse(time.RFC3339, r.DueAt)
		if err != nil {
			e.logger.Warn("reminder with unparseable due date dropped", "due_at", r.DueAt)
			continue
		}
		result.Reminders = append(result.Reminders, datatypes.ProspectiveTask{
			ID:        ulid.Make().String(),
			UserID:    userID,
			Text:      r.Text,
			DueAt:     due,
			CreatedAt: now,
		})
	}
	return result, nil
}

// parseExtraction tolerates code fences and leading prose around the
// JSON object.
func parseExtraction(text string) (*extractionPayload, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in extraction response")
	}
	var payload extractionPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode extraction JSON: %w", err)
	}
	return &payload, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ptr[T any](v T) *T { return &v }
