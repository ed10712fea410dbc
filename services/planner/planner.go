// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package planner turns a user turn into an executable task graph.
//
// The primary path asks the orchestrator-role model for a strict-JSON
// plan; any failure there falls back to deterministic keyword rules so
// a request always gets a runnable plan.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

var plannerTracer = otel.Tracer("reverie.planner")

// plannerMaxTokens bounds the plan response.
const plannerMaxTokens = 2048

// Generator is the slice of the LLM gateway the planner needs.
type Generator interface {
	Generate(ctx context.Context, req datatypes.GenerationRequest) (*datatypes.GatewayResult, error)
}

// ToolInfo describes one registered tool for the planning prompt.
type ToolInfo struct {
	Name        string
	Description string
}

// Request carries everything the planner may condition on.
type Request struct {
	UserID        string
	Message       string
	MemoryContext string
	History       []datatypes.Message
}

// Planner builds plans.
//
// # Thread Safety
//
// Safe for concurrent use.
type Planner struct {
	llm    Generator
	tools  []ToolInfo
	logger *slog.Logger
}

// New creates a planner over the given tool inventory.
func New(llm Generator, tools []ToolInfo, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{llm: llm, tools: tools, logger: logger}
}

// BuildPlan produces a normalized plan for the turn. It never returns a
// nil plan: LLM or parse failures degrade to the rule-based fallback.
// The boolean reports whether the fallback produced the plan.
func (p *Planner) BuildPlan(ctx context.Context, req Request) (*datatypes.Plan, bool) {
	ctx, span := plannerTracer.Start(ctx, "Planner.BuildPlan")
	defer span.End()

	plan, err := p.llmPlan(ctx, req)
	if err != nil {
		p.logger.Warn("planner degraded to rule-based fallback", "error", err)
		span.SetAttributes(attribute.Bool("planner.fallback", true))
		plan = FallbackPlan(req.Message)
		Normalize(plan)
		return plan, true
	}

	Normalize(plan)
	span.SetAttributes(
		attribute.String("planner.intent", plan.Intent),
		attribute.Int("planner.tasks", len(plan.Tasks)),
	)
	return plan, false
}

func (p *Planner) llmPlan(ctx context.Context, req Request) (*datatypes.Plan, error) {
	resp, err := p.llm.Generate(ctx, datatypes.GenerationRequest{
		Role:         datatypes.RoleOrchestrator,
		SystemPrompt: p.systemPrompt(),
		Prompt:       p.userPrompt(req),
		Temperature:  ptr(float32(0.1)),
		MaxTokens:    ptr(plannerMaxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("planner call failed: %w", err)
	}

	plan, err := parsePlan(resp.Text)
	if err != nil {
		return nil, err
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("planner returned an empty task list")
	}
	return plan, nil
}

func (p *Planner) systemPrompt() string {
	var b strings.Builder
	b.WriteString(`Sen bir görev planlayıcısısın. Kullanıcı mesajını analiz et ve yürütülecek görev grafiğini üret.

Yalnızca şu JSON şemasıyla yanıt ver:
{
  "intent": "chat|coding|debug|refactor|search|math|memory",
  "reasoning": "kısa gerekçe",
  "planning_thought": "kullanıcıya gösterilecek tek cümlelik düşünce",
  "tasks": [
    {"id": "t1", "type": "tool", "tool_name": "web_search",
     "params": {"query": "..."}, "dependencies": []},
    {"id": "t2", "type": "generation", "specialist": "semantic",
     "instruction": "...", "dependencies": ["t1"]}
  ],
  "proactive_hints": []
}

Kurallar:
- Görev kimlikleri benzersizdir; dependencies yalnızca bu plandaki kimliklere işaret eder.
- Döngü kurma. Bağımsız görevler paralel çalışır.
- Önceki görev çıktısına {t1.output} yer tutucusuyla başvur.
- Basit sohbet için tek bir generation görevi yeterlidir.
`)
	if len(p.tools) > 0 {
		b.WriteString("\nKullanılabilir araçlar:\n")
		for _, t := range p.tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}
	return b.String()
}

func (p *Planner) userPrompt(req Request) string {
	var b strings.Builder
	if req.MemoryContext != "" {
		b.WriteString("Bellek bağlamı:\n")
		b.WriteString(req.MemoryContext)
		b.WriteString("\n\n")
	}
	if len(req.History) > 0 {
		b.WriteString("Son konuşma:\n")
		for _, m := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Kullanıcı mesajı:\n")
	b.WriteString(req.Message)
	return b.String()
}

// parsePlan tolerates code fences and surrounding prose but is strict
// about the JSON itself.
func parsePlan(text string) (*datatypes.Plan, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in planner response")
	}
	var plan datatypes.Plan
	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan JSON: %w", err)
	}
	return &plan, nil
}

func ptr[T any](v T) *T { return &v }
