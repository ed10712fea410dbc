// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"strings"
	"unicode"
)

// Issue severities.
const (
	SeverityWarning = "warning"
	SeverityBlocker = "blocker"
)

// Issue codes.
const (
	IssueTooShort       = "too_short"
	IssueMissingCode    = "missing_code_block"
	IssueASCIIOnly      = "ascii_only"
	IssueRefusal        = "refusal_phrase"
	IssueLineLoop       = "line_loop"
	IssueUnclosedFence  = "unclosed_fence"
	IssueEnglishLeakage = "english_leakage"
	IssueStyleMismatch  = "style_mismatch"
)

// minResponseLength is the minimum acceptable final text length in runes.
const minResponseLength = 2

// codingIntents require at least one fenced code block.
var codingIntents = map[string]bool{"coding": true, "debug": true, "refactor": true}

// mathIntents are exempt from the non-ASCII prose check alongside code.
var mathIntents = map[string]bool{"math": true, "calculation": true}

// refusalPhrases are generic model refusals that must not reach users.
var refusalPhrases = []string{
	"i cannot assist with that",
	"i can't help with that",
	"as an ai language model",
	"bu konuda yardımcı olamam",
	"üzgünüm, bu isteği yerine getiremem",
}

// slangTokens clash with formal personas.
var slangTokens = []string{"kanka", "lan ", "aga ", "bro ", "knk"}

// formalPersonas reject slang.
var formalPersonas = map[string]bool{"professional": true, "expert": true, "teacher": true}

// englishStopwords drive the prose-leakage heuristic.
var englishStopwords = []string{
	" the ", " and ", " with ", " this ", " that ", " have ", " would ", " should ",
}

// QualityIssue is one finding of the quality gate.
type QualityIssue struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// QualityReport is the gate's verdict on a final text.
type QualityReport struct {
	// Text is the (possibly repaired) text to emit.
	Text string
	// Issues lists all findings, warnings included.
	Issues []QualityIssue
	// Blocked is true when any blocker issue was found; blocked text
	// must not be emitted.
	Blocked bool
}

// QualityGate runs deterministic post-generation checks.
//
// Only blockers prevent emission; warnings are repaired in place when a
// deterministic repair exists (currently: closing an unclosed fence).
type QualityGate struct{}

// NewQualityGate creates the gate.
func NewQualityGate() *QualityGate { return &QualityGate{} }

// Check inspects the final text for the given intent and persona.
func (q *QualityGate) Check(text, intent, persona string) QualityReport {
	report := QualityReport{Text: text}
	add := func(code, severity, msg string) {
		report.Issues = append(report.Issues, QualityIssue{Code: code, Severity: severity, Message: msg})
		if severity == SeverityBlocker {
			report.Blocked = true
		}
	}

	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < minResponseLength {
		add(IssueTooShort, SeverityBlocker, "response is empty or too short")
		return report
	}

	if codingIntents[intent] && !strings.Contains(text, "```") {
		add(IssueMissingCode, SeverityWarning, "coding intent without a fenced code block")
	}

	if !codingIntents[intent] && !mathIntents[intent] && !hasNonASCIILetter(text) {
		add(IssueASCIIOnly, SeverityWarning, "prose contains no non-ASCII letters")
	}

	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			add(IssueRefusal, SeverityBlocker, "response contains a refusal phrase")
			break
		}
	}

	if hasLineLoop(text) {
		add(IssueLineLoop, SeverityBlocker, "three identical lines detected")
	}

	if strings.Count(text, "```")%2 == 1 {
		add(IssueUnclosedFence, SeverityWarning, "unclosed code fence, auto-closing")
		report.Text = strings.TrimRight(report.Text, "\n") + "\n```\n"
	}

	if !codingIntents[intent] && hasEnglishLeakage(text) {
		add(IssueEnglishLeakage, SeverityWarning, "english filler words in prose")
	}

	if formalPersonas[persona] {
		for _, s := range slangTokens {
			if strings.Contains(lower, s) {
				add(IssueStyleMismatch, SeverityWarning, "slang token with formal persona")
				break
			}
		}
	}

	return report
}

// hasNonASCIILetter reports whether any letter outside ASCII appears.
func hasNonASCIILetter(text string) bool {
	for _, r := range text {
		if r > unicode.MaxASCII && unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// hasLineLoop detects three identical lines of at least 10 characters.
func hasLineLoop(text string) bool {
	counts := make(map[string]int)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if len([]rune(line)) < 10 {
			continue
		}
		counts[line]++
		if counts[line] >= 3 {
			return true
		}
	}
	return false
}

// hasEnglishLeakage checks prose regions (code fences excluded) for
// common English stopwords.
func hasEnglishLeakage(text string) bool {
	prose := stripCodeFences(text)
	lower := " " + strings.ToLower(prose) + " "
	hits := 0
	for _, w := range englishStopwords {
		hits += strings.Count(lower, w)
	}
	return hits >= 3
}

// stripCodeFences removes ``` regions so code never counts as prose.
func stripCodeFences(text string) string {
	parts := strings.Split(text, "```")
	var b strings.Builder
	for i, p := range parts {
		if i%2 == 0 {
			b.WriteString(p)
		}
	}
	return b.String()
}
