// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

type fakeGenerator struct {
	text string
	err  error
}

func (f *fakeGenerator) Generate(context.Context, datatypes.GenerationRequest) (*datatypes.GatewayResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &datatypes.GatewayResult{Text: f.text, Model: "test"}, nil
}

func TestBuildPlanParsesLLMOutput(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n" + `{
		"intent": "search",
		"reasoning": "needs fresh data",
		"planning_thought": "Web'de arıyorum...",
		"tasks": [
			{"id": "t1", "type": "tool", "tool_name": "web_search",
			 "params": {"query": "hava durumu"}},
			{"id": "t2", "type": "generation", "specialist": "semantic",
			 "instruction": "özetle: {t1.output}", "dependencies": ["t1"]}
		]
	}` + "\n```"}
	p := New(gen, []ToolInfo{{Name: "web_search", Description: "web araması"}}, nil)

	plan, fallback := p.BuildPlan(context.Background(), Request{Message: "hava nasıl?"})
	assert.False(t, fallback)
	assert.Equal(t, "search", plan.Intent)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, []string{"t1"}, plan.Tasks[1].Dependencies)
	assert.Empty(t, plan.Annotations)
}

func TestBuildPlanFallsBackOnLLMError(t *testing.T) {
	p := New(&fakeGenerator{err: errors.New("all models down")}, nil, nil)
	plan, fallback := p.BuildPlan(context.Background(), Request{Message: "merhaba"})
	assert.True(t, fallback)
	require.NotEmpty(t, plan.Tasks)
	assert.Equal(t, "chat", plan.Intent)
}

func TestBuildPlanFallsBackOnBadJSON(t *testing.T) {
	p := New(&fakeGenerator{text: "tabii, hemen bir plan yapayım!"}, nil, nil)
	plan, fallback := p.BuildPlan(context.Background(), Request{Message: "güncel haberleri ara"})
	assert.True(t, fallback)
	assert.Equal(t, "search", plan.Intent)
	assert.Equal(t, "web_search", plan.Tasks[0].ToolName)
}

func TestBuildPlanFallsBackOnEmptyTaskList(t *testing.T) {
	p := New(&fakeGenerator{text: `{"intent": "chat", "tasks": []}`}, nil, nil)
	plan, fallback := p.BuildPlan(context.Background(), Request{Message: "selam"})
	assert.True(t, fallback)
	assert.NotEmpty(t, plan.Tasks)
}

func TestBuildPlanNormalizesLLMOutput(t *testing.T) {
	gen := &fakeGenerator{text: `{
		"intent": "chat",
		"tasks": [
			{"id": "t1", "type": "generation", "specialist": "semantic",
			 "instruction": "yanıtla", "dependencies": ["hayalet"]}
		]
	}`}
	p := New(gen, nil, nil)
	plan, fallback := p.BuildPlan(context.Background(), Request{Message: "selam"})
	assert.False(t, fallback)
	assert.Empty(t, plan.Tasks[0].Dependencies)
	require.Len(t, plan.Annotations, 1)
	assert.Equal(t, datatypes.AnnotationUnknownDepIgnored, plan.Annotations[0].Kind)
}

func TestFallbackPlanRules(t *testing.T) {
	tests := []struct {
		name       string
		message    string
		wantIntent string
		wantTool   string
	}{
		{"arithmetic", "12 * 34 kaç eder?", "math", "calculator"},
		{"search keyword", "bana son dakika haber bul", "search", "web_search"},
		{"document keyword", "pdf dosyasındaki sözleşmeyi özetle", "document", "document_search"},
		{"image keyword", "bana bir kedi resmi çiz", "image", "image_generation"},
		{"memory keyword", "dün ne konuştuk, hatırlıyor musun?", "memory", "memory_search"},
		{"coding keyword", "bu python fonksiyonunda hata var", "coding", ""},
		{"plain chat", "bugün canım sıkılıyor", "chat", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := FallbackPlan(tt.message)
			assert.Equal(t, tt.wantIntent, plan.Intent)
			require.NotEmpty(t, plan.Tasks)
			if tt.wantTool == "" {
				return
			}
			require.Len(t, plan.Tasks, 2)
			assert.Equal(t, tt.wantTool, plan.Tasks[0].ToolName)
			// The dependent generation runs on the logic specialist.
			assert.Equal(t, datatypes.RoleLogic, plan.Tasks[1].Specialist)
			assert.Equal(t, []string{"t1"}, plan.Tasks[1].Dependencies)
		})
	}
}

func TestExtractExpression(t *testing.T) {
	assert.Equal(t, "12 * (3+4)", extractExpression("kaç eder 12 * (3+4)?"))
	assert.Equal(t, "7+7", extractExpression("7+7"))
}
