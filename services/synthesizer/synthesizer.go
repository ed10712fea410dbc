// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package synthesizer turns task results and memory context into the
// final streamed response, sanitizing model artifacts on the way out.
package synthesizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/reverie-ai/reverie/services/llm"
	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

var synthTracer = otel.Tracer("reverie.synthesizer")

// personaTemperatures tunes sampling per persona; warmer personas get
// warmer sampling.
var personaTemperatures = map[string]float32{
	"professional": 0.4,
	"expert":       0.4,
	"teacher":      0.5,
	"friend":       0.9,
	"playful":      0.9,
}

// defaultTemperature applies to unknown or empty personas.
const defaultTemperature float32 = 0.7

// Streamer is the slice of the LLM gateway the synthesizer needs.
type Streamer interface {
	Stream(ctx context.Context, req datatypes.GenerationRequest) (*llm.StreamSession, error)
}

// Emit delivers one event to the caller's stream.
type Emit func(event datatypes.StreamEvent)

// Request is one synthesis invocation.
type Request struct {
	User    datatypes.UserContext
	Message string
	History []datatypes.Message
	Memory  *datatypes.MemoryContext
	Plan    *datatypes.Plan
	Results map[string]datatypes.TaskResult
	Sources []datatypes.SourceInfo
	// Reminders are due prospective tasks to surface this turn.
	Reminders []datatypes.ProspectiveTask
}

// Outcome is the synthesis result after the stream ends.
type Outcome struct {
	// Text is the full sanitized response.
	Text  string
	Model string
	// Interrupted is true when the stream died mid-response; the text
	// is a usable prefix but must not be treated as complete.
	Interrupted bool
}

// Synthesizer composes and streams the final answer.
//
// # Thread Safety
//
// Safe for concurrent use.
type Synthesizer struct {
	llm    Streamer
	logger *slog.Logger
}

// New creates a synthesizer.
func New(llm Streamer, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{llm: llm, logger: logger}
}

// Stream produces the final response.
//
// The single sources event (when any source exists) is emitted before
// the first chunk. Chunks pass through the streaming sanitizer; the
// full text is accumulated in locked memory for the caller's
// write-back. A mid-stream provider failure emits an error event and
// returns the partial text with Interrupted set.
func (s *Synthesizer) Stream(ctx context.Context, req Request, emit Emit) (*Outcome, error) {
	ctx, span := synthTracer.Start(ctx, "Synthesizer.Stream")
	defer span.End()
	if emit == nil {
		emit = func(datatypes.StreamEvent) {}
	}

	temp := temperatureFor(req.User.Persona)
	session, err := s.llm.Stream(ctx, datatypes.GenerationRequest{
		Role:         datatypes.RoleSynthesizer,
		SystemPrompt: BuildSystemPrompt(req),
		Messages:     buildMessages(req),
		Temperature:  &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis stream failed to start: %w", err)
	}
	span.SetAttributes(attribute.String("llm.model", session.Model))

	if len(req.Sources) > 0 {
		emit(datatypes.StreamEvent{Type: datatypes.EventSources, Sources: req.Sources})
	}

	acc := NewAccumulator()
	defer acc.Destroy()
	sanitizer := NewStreamSanitizer()
	interrupted := false

	for chunk := range session.Chunks {
		if chunk.Err != nil || datatypes.IsStreamError(chunk.Text) {
			interrupted = true
			s.logger.Warn("synthesis stream interrupted",
				"model", session.Model, "error", chunk.Err)
			emit(datatypes.StreamEvent{
				Type:    datatypes.EventError,
				Content: "Yanıt kesintiye uğradı, lütfen tekrar deneyin.",
			})
			break
		}
		if out := sanitizer.Push(chunk.Text); out != "" {
			acc.Write(out)
			emit(datatypes.StreamEvent{Type: datatypes.EventChunk, Content: out})
		}
	}
	if out := sanitizer.Flush(); out != "" && !interrupted {
		acc.Write(out)
		emit(datatypes.StreamEvent{Type: datatypes.EventChunk, Content: out})
	}

	text, err := acc.Finalize()
	if err != nil {
		s.logger.Warn("secure accumulator overflow, response truncated for write-back")
	}
	return &Outcome{Text: text, Model: session.Model, Interrupted: interrupted}, nil
}

func temperatureFor(persona string) float32 {
	if t, ok := personaTemperatures[strings.ToLower(persona)]; ok {
		return t
	}
	return defaultTemperature
}

// BuildSystemPrompt composes the synthesis system instruction from
// fixed blocks. Empty blocks are omitted entirely.
func BuildSystemPrompt(req Request) string {
	var blocks []string

	blocks = append(blocks, personaBlock(req.User))
	if b := styleBlock(req.User.Style); b != "" {
		blocks = append(blocks, b)
	}
	if req.Memory != nil {
		if b := memoryBlock(req.Memory); b != "" {
			blocks = append(blocks, b)
		}
		if req.Memory.HasConflicts {
			blocks = append(blocks, "## Çelişki\nProfilde [ÇELİŞKİLİ] işaretli bilgiler var. Yanıtın uygun bir yerinde kullanıcıdan nazikçe hangi bilginin doğru olduğunu netleştirmesini iste.")
		}
		if req.Memory.PriorMood != "" {
			blocks = append(blocks, fmt.Sprintf("## Ruh Hali\nKullanıcı son konuşmada kendini %q hissettiğini söylemişti; bunu zorlamadan dikkate al.", req.Memory.PriorMood))
		}
	}
	if b := resultsBlock(req.Plan, req.Results); b != "" {
		blocks = append(blocks, b)
	}
	if b := remindersBlock(req.Reminders); b != "" {
		blocks = append(blocks, b)
	}
	blocks = append(blocks, "## Kurallar\n- Görev çıktılarındaki [error: ...] işaretleri eksik veriyi gösterir; uydurma, eksikliği dürüstçe söyle.\n- Kaynak skorlarını veya iç işaretleri asla yanıtına taşıma.")

	return strings.Join(blocks, "\n\n")
}

func personaBlock(user datatypes.UserContext) string {
	persona := user.Persona
	if persona == "" {
		persona = "samimi ve yardımsever bir yoldaş"
	}
	name := ""
	if user.Username != "" {
		name = fmt.Sprintf(" Kullanıcının adı %s.", user.Username)
	}
	return fmt.Sprintf("## Kimlik\nSen Reverie'sin: %s. Türkçe konuş; kullanıcı başka dilde yazarsa o dile geç.%s", persona, name)
}

func styleBlock(style datatypes.Style) string {
	var lines []string
	if style.Tone != "" {
		lines = append(lines, "- Ton: "+style.Tone)
	}
	switch style.Length {
	case "short":
		lines = append(lines, "- Kısa ve öz yanıt ver.")
	case "long":
		lines = append(lines, "- Ayrıntılı ve kapsamlı yanıt ver.")
	}
	switch {
	case style.EmojiLevel == 0:
		lines = append(lines, "- Emoji kullanma.")
	case style.EmojiLevel >= 2:
		lines = append(lines, "- Yer yer emoji kullanabilirsin.")
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Üslup\n" + strings.Join(lines, "\n")
}

func memoryBlock(mc *datatypes.MemoryContext) string {
	formatted := mc.Formatted()
	if formatted == "" {
		return ""
	}
	return "## Bellek\n" + formatted
}

func resultsBlock(plan *datatypes.Plan, results map[string]datatypes.TaskResult) string {
	if plan == nil || len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Görev Çıktıları\n")
	wrote := false
	// Plan order keeps the digest deterministic.
	for _, task := range plan.Tasks {
		result, ok := results[task.ID]
		if !ok || result.Output == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", task.ID, result.Output)
		wrote = true
	}
	if !wrote {
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}

func remindersBlock(reminders []datatypes.ProspectiveTask) string {
	if len(reminders) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Hatırlatmalar\nŞu hatırlatmaların zamanı geldi; yanıtının başında doğal bir dille ilet:\n")
	for _, r := range reminders {
		fmt.Fprintf(&b, "- %s\n", r.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildMessages(req Request) []datatypes.Message {
	msgs := make([]datatypes.Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, datatypes.Message{Role: "user", Content: req.Message})
	return msgs
}
