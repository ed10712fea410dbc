// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package synthesizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"score prefix stripped", "[GRAF | Skor: 0.87] İzmir'de yaşıyorsun.", "İzmir'de yaşıyorsun."},
		{"hybrid score stripped", "[HIB_GRAF | Skor: 1,2] merhaba", "merhaba"},
		{"vector score stripped", "[VECTOR | Skor: 0.5] selam", "selam"},
		{"thought block stripped", "önce <thought>iç ses</thought>sonra", "önce sonra"},
		{"bracket thought stripped", "önce [THOUGHT]iç ses[/THOUGHT]sonra", "önce sonra"},
		{"cjk stripped", "merhaba 世界 dünya", "merhaba  dünya"},
		{"plain bracket kept", "listede [önemli] bir madde var", "listede [önemli] bir madde var"},
		{"clean text unchanged", "Bugün hava çok güzel.", "Bugün hava çok güzel."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeText(tt.input)
			assert.Equal(t, tt.want, got)
			// Idempotence.
			assert.Equal(t, got, SanitizeText(got))
		})
	}
}

func TestSanitizePreservesCodeSpans(t *testing.T) {
	// CJK inside a code fence is content, not leakage.
	input := "açıklama\n```go\ns := \"日本語\"\n```\nson"
	assert.Equal(t, input, SanitizeText(input))

	// Inline code spans are preserved too.
	inline := "değişken `名前` olarak tanımlı"
	assert.Equal(t, inline, SanitizeText(inline))
}

func TestSanitizePreservesMathSpans(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"inline dollar", "formül 世界 öncesi $x_{世界} + 1$ sonrası", "formül  öncesi $x_{世界} + 1$ sonrası"},
		{"double dollar", "$$\\sum_{語} i$$ ve devamı", "$$\\sum_{語} i$$ ve devamı"},
		{"escaped brackets", "önce \\[a 語 b\\] sonra 語", "önce \\[a 語 b\\] sonra "},
		{"escaped parens", "değer \\(y 語\\) burada", "değer \\(y 語\\) burada"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeText(tt.input)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, SanitizeText(got))
		})
	}
}

func TestStreamSanitizerSplitMarker(t *testing.T) {
	s := NewStreamSanitizer()
	var out strings.Builder
	// The score prefix arrives split across three chunks.
	out.WriteString(s.Push("[GRA"))
	out.WriteString(s.Push("F | Skor: 0."))
	out.WriteString(s.Push("87] İzmir güzeldir."))
	out.WriteString(s.Flush())
	assert.Equal(t, "İzmir güzeldir.", out.String())
}

func TestStreamSanitizerPlainTextPassesThrough(t *testing.T) {
	s := NewStreamSanitizer()
	var out strings.Builder
	out.WriteString(s.Push("Merhaba, "))
	out.WriteString(s.Push("bugün nasılsın?"))
	out.WriteString(s.Flush())
	assert.Equal(t, "Merhaba, bugün nasılsın?", out.String())
}

func TestStreamSanitizerHoldsUnmatchedBracket(t *testing.T) {
	s := NewStreamSanitizer()
	first := s.Push("sonuç [")
	// The bracket is withheld until it resolves.
	assert.Equal(t, "sonuç ", first)
	second := s.Push("1] tamam")
	rest := s.Flush()
	assert.Equal(t, "[1] tamam", second+rest)
}

func TestStreamSanitizerSplitThoughtTag(t *testing.T) {
	s := NewStreamSanitizer()
	var out strings.Builder
	out.WriteString(s.Push("<tho"))
	out.WriteString(s.Push("ught>gizli</thought>görünür"))
	out.WriteString(s.Flush())
	assert.Equal(t, "görünür", out.String())
}

func TestStreamSanitizerSplitBracketThought(t *testing.T) {
	s := NewStreamSanitizer()
	var out strings.Builder
	out.WriteString(s.Push("[THOUGHT]giz"))
	out.WriteString(s.Push("li[/THOUGHT]görünür"))
	out.WriteString(s.Flush())
	assert.Equal(t, "görünür", out.String())
}

func TestStreamSanitizerFlushReleasesTail(t *testing.T) {
	s := NewStreamSanitizer()
	assert.Equal(t, "aç ", s.Push("aç ["))
	assert.Equal(t, "", s.Push("kapanmadı"))
	assert.Equal(t, "[kapanmadı", s.Flush())
}
