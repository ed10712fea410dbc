// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesizer

import (
	"regexp"
	"strings"
	"unicode"
)

// Model output artifacts stripped from user-visible text:
//
//   - retrieval score prefixes leaked from context formatting,
//     e.g. "[GRAF | Skor: 0.87]" or "[HIB_GRAF | Skor: 1.2]"
//   - <thought> and [THOUGHT] blocks that escaped the executor
//   - CJK characters (some models code-switch mid-sentence; the product
//     serves Turkish and English only)
//
// Code and math spans ($...$, $$...$$, \(...\), \[...\]) are preserved
// verbatim: CJK inside a code fence or a formula is intentional content.
var (
	scorePrefixPattern    = regexp.MustCompile(`\[(?:GRAF|VECTOR|VEKTOR|HIB_GRAF)\s*\|\s*Skor:\s*\d+(?:[.,]\d+)?\]\s*`)
	thoughtTagPattern     = regexp.MustCompile(`(?is)<thought>.*?</thought>`)
	bracketThoughtPattern = regexp.MustCompile(`(?is)\[THOUGHT\].*?\[/THOUGHT\]`)
	mathSpanPattern       = regexp.MustCompile(`(?s)\$\$.*?\$\$|\\\[.*?\\\]|\\\(.*?\\\)|\$[^$\n]+\$`)
)

// SanitizeText cleans a complete text. The function is idempotent:
// sanitizing already-sanitized text is a no-op.
func SanitizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	// Split on fenced code blocks; odd segments are code and pass
	// through untouched.
	parts := strings.Split(text, "```")
	for i, part := range parts {
		if i > 0 {
			b.WriteString("```")
		}
		if i%2 == 1 {
			b.WriteString(part)
			continue
		}
		b.WriteString(sanitizeProse(part))
	}
	return b.String()
}

// sanitizeProse cleans one non-fenced segment, still honoring inline
// code spans.
func sanitizeProse(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	spans := strings.Split(text, "`")
	for i, span := range spans {
		if i > 0 {
			b.WriteByte('`')
		}
		if i%2 == 1 {
			b.WriteString(span)
			continue
		}
		span = thoughtTagPattern.ReplaceAllString(span, "")
		span = bracketThoughtPattern.ReplaceAllString(span, "")
		b.WriteString(cleanAroundMath(span))
	}
	return b.String()
}

// cleanAroundMath strips leakage from the gaps between math spans and
// leaves the formulas themselves verbatim.
func cleanAroundMath(text string) string {
	clean := func(s string) string {
		return stripCJK(scorePrefixPattern.ReplaceAllString(s, ""))
	}
	locs := mathSpanPattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return clean(text)
	}
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, loc := range locs {
		b.WriteString(clean(text[prev:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		prev = loc[1]
	}
	b.WriteString(clean(text[prev:]))
	return b.String()
}

// stripCJK removes Han, Hiragana, Katakana and Hangul runes.
func stripCJK(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			return -1
		}
		return r
	}, text)
}

// maxHoldback bounds how much text the streaming sanitizer withholds
// while waiting for a marker to complete.
const maxHoldback = 64

// StreamSanitizer applies SanitizeText to a chunk stream.
//
// Markers can split across chunk boundaries ("[GRA" + "F | Skor: 0.9]"),
// so the sanitizer holds back a short tail whenever the text ends in a
// possibly incomplete marker and releases it once the marker resolves
// or the holdback limit is reached.
//
// # Thread Safety
//
// Not safe for concurrent use; one sanitizer serves one stream.
type StreamSanitizer struct {
	tail string
}

// NewStreamSanitizer creates a sanitizer for one stream.
func NewStreamSanitizer() *StreamSanitizer { return &StreamSanitizer{} }

// Push feeds one chunk and returns the text safe to emit now.
func (s *StreamSanitizer) Push(chunk string) string {
	text := s.tail + chunk
	hold := holdbackStart(text)
	if hold >= 0 && len(text)-hold <= maxHoldback {
		s.tail = text[hold:]
		text = text[:hold]
	} else {
		s.tail = ""
	}
	if text == "" {
		return ""
	}
	return s.sanitize(text)
}

// Flush releases and sanitizes any held-back tail at end of stream.
func (s *StreamSanitizer) Flush() string {
	if s.tail == "" {
		return ""
	}
	text := s.tail
	s.tail = ""
	return s.sanitize(text)
}

func (s *StreamSanitizer) sanitize(text string) string {
	return SanitizeText(text)
}

// holdbackStart returns the byte index from which the text may contain
// an incomplete marker, or -1 when the whole text is safe to emit.
func holdbackStart(text string) int {
	// Unterminated "[..." that could still become a score prefix.
	if i := strings.LastIndexByte(text, '['); i >= 0 && !strings.ContainsRune(text[i:], ']') {
		return i
	}
	// Unterminated "<..." that could still become a thought tag, or a
	// complete opening tag waiting for its close.
	if i := strings.LastIndexByte(text, '<'); i >= 0 {
		rest := strings.ToLower(text[i:])
		if strings.HasPrefix("<thought>", rest) || strings.HasPrefix("</thought>", rest) {
			return i
		}
	}
	lower := strings.ToLower(text)
	if i := strings.LastIndex(lower, "<thought>"); i >= 0 {
		if !strings.Contains(lower[i:], "</thought>") {
			return i
		}
	}
	if i := strings.LastIndex(lower, "[thought]"); i >= 0 {
		if !strings.Contains(lower[i:], "[/thought]") {
			return i
		}
	}
	return -1
}
