// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package planner

import (
	"regexp"
	"strings"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// Keyword tables for the rule-based tool routes.
var (
	searchKeywords = []string{
		"ara", "araştır", "bul", "nedir", "kimdir", "haber", "güncel",
		"search", "latest", "news",
	}
	documentKeywords = []string{
		"belge", "doküman", "dosya", "pdf", "rapor", "sözleşme", "document",
	}
	imageKeywords = []string{
		"çiz", "resim", "görsel", "fotoğraf oluştur", "draw", "image",
	}
	memoryKeywords = []string{
		"hatırlıyor musun", "hakkımda ne", "beni tanıyor", "daha önce konuş",
		"remember",
	}
)

// codingKeywords route to the coding specialist.
var codingKeywords = []string{
	"kod", "fonksiyon", "hata", "debug", "python", "golang", "javascript",
	"derleme", "compile", "refactor",
}

// arithmeticPattern detects a computable expression in the message.
var arithmeticPattern = regexp.MustCompile(`\d+(?:[.,]\d+)?\s*[+\-*/%^]\s*\d`)

// FallbackPlan builds a deterministic single-purpose plan from keyword
// rules. It is the planner's safety net: always at least one task.
func FallbackPlan(message string) *datatypes.Plan {
	lower := strings.ToLower(message)

	if arithmeticPattern.MatchString(message) {
		return toolPlan("math", "Hesaplıyorum...", "calculator",
			map[string]any{"expression": extractExpression(message)},
			"Hesap sonucunu kullanıcıya kısaca açıkla: {t1.output}")
	}

	if containsAny(lower, searchKeywords) {
		return toolPlan("search", "Web'de arıyorum...", "web_search",
			map[string]any{"query": message},
			"Arama sonuçlarına dayanarak soruyu yanıtla:\n{t1.output}")
	}

	if containsAny(lower, documentKeywords) {
		return toolPlan("document", "Belgelerde arıyorum...", "document_search",
			map[string]any{"query": message},
			"Belge sonuçlarına dayanarak soruyu yanıtla:\n{t1.output}")
	}

	if containsAny(lower, imageKeywords) {
		return toolPlan("image", "Görsel oluşturuyorum...", "image_generation",
			map[string]any{"prompt": message},
			"Görsel isteğinin durumunu kullanıcıya bildir: {t1.output}")
	}

	if containsAny(lower, memoryKeywords) {
		return toolPlan("memory", "Hafızamı yokluyorum...", "memory_search",
			map[string]any{"query": message},
			"Hatırladıklarına dayanarak soruyu yanıtla:\n{t1.output}")
	}

	if containsAny(lower, codingKeywords) {
		return &datatypes.Plan{
			Intent:          "coding",
			Reasoning:       "rule: coding keyword detected",
			PlanningThought: "Kod üzerinde çalışıyorum...",
			Tasks: []datatypes.Task{
				{
					ID:          "t1",
					Type:        datatypes.TaskTypeGeneration,
					Specialist:  datatypes.RoleCoding,
					Instruction: message,
				},
			},
		}
	}

	return &datatypes.Plan{
		Intent:          "chat",
		Reasoning:       "rule: default conversational plan",
		PlanningThought: "Düşünüyorum...",
		Tasks: []datatypes.Task{
			{
				ID:          "t1",
				Type:        datatypes.TaskTypeGeneration,
				Specialist:  datatypes.RoleSemantic,
				Instruction: message,
			},
		},
	}
}

// toolPlan is one tool task plus a dependent logic generation that
// turns the tool output into an answer.
func toolPlan(intent, thought, toolName string, params map[string]any, instruction string) *datatypes.Plan {
	return &datatypes.Plan{
		Intent:          intent,
		Reasoning:       "rule: " + intent + " keyword detected",
		PlanningThought: thought,
		Tasks: []datatypes.Task{
			{
				ID:       "t1",
				Type:     datatypes.TaskTypeTool,
				ToolName: toolName,
				Params:   params,
			},
			{
				ID:           "t2",
				Type:         datatypes.TaskTypeGeneration,
				Specialist:   datatypes.RoleLogic,
				Instruction:  instruction,
				Dependencies: []string{"t1"},
			},
		},
	}
}

func containsAny(lower string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// extractExpression pulls the longest arithmetic-looking run from the
// message, so "kaç eder 12 * (3+4)?" yields "12 * (3+4)".
var expressionRun = regexp.MustCompile(`[\d.,+\-*/%^()\s]+`)

func extractExpression(message string) string {
	best := ""
	for _, run := range expressionRun.FindAllString(message, -1) {
		run = strings.TrimSpace(run)
		if arithmeticPattern.MatchString(run) && len(run) > len(best) {
			best = run
		}
	}
	if best == "" {
		return message
	}
	return best
}
