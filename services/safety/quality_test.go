// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueCodes(report QualityReport) []string {
	var codes []string
	for _, i := range report.Issues {
		codes = append(codes, i.Code)
	}
	return codes
}

func TestQualityBlocksEmptyResponse(t *testing.T) {
	gate := NewQualityGate()
	report := gate.Check("  \n", "chat", "")
	assert.True(t, report.Blocked)
	assert.Contains(t, issueCodes(report), IssueTooShort)
}

func TestQualityBlocksRefusalPhrases(t *testing.T) {
	gate := NewQualityGate()
	report := gate.Check("Üzgünüm, bu isteği yerine getiremem çünkü kurallarım var.", "chat", "")
	assert.True(t, report.Blocked)
	assert.Contains(t, issueCodes(report), IssueRefusal)
}

func TestQualityBlocksLineLoops(t *testing.T) {
	gate := NewQualityGate()
	line := "bu satır kendini tekrar ediyor"
	text := strings.Repeat(line+"\n", 3)
	report := gate.Check(text, "chat", "")
	assert.True(t, report.Blocked)
	assert.Contains(t, issueCodes(report), IssueLineLoop)
}

func TestQualityAutoClosesUnclosedFence(t *testing.T) {
	gate := NewQualityGate()
	text := "İşte örnek kod:\n```go\nfunc main() {}\n"
	report := gate.Check(text, "coding", "")
	assert.False(t, report.Blocked, "unclosed fence is a warning, not a blocker")
	assert.Contains(t, issueCodes(report), IssueUnclosedFence)
	assert.Equal(t, 0, strings.Count(report.Text, "```")%2, "fence count should be even after repair")
}

func TestQualityWarnsOnMissingCodeBlock(t *testing.T) {
	gate := NewQualityGate()
	report := gate.Check("Şöyle yapmalısın, önce değişkeni tanımla.", "coding", "")
	assert.False(t, report.Blocked)
	assert.Contains(t, issueCodes(report), IssueMissingCode)
}

func TestQualityWarnsOnEnglishLeakage(t *testing.T) {
	gate := NewQualityGate()
	text := "Bu konuda the önemli olan and şudur: this with that have would kısmı."
	report := gate.Check(text, "chat", "")
	assert.False(t, report.Blocked)
	assert.Contains(t, issueCodes(report), IssueEnglishLeakage)
}

func TestQualityIgnoresCodeWhenCheckingProse(t *testing.T) {
	gate := NewQualityGate()
	text := "Örnek aşağıda:\n```go\n// the and with this that have would should\nfunc x() {}\n```\nBaşarılar dilerim."
	report := gate.Check(text, "coding", "")
	assert.NotContains(t, issueCodes(report), IssueEnglishLeakage)
}

func TestQualityStyleMismatchForFormalPersona(t *testing.T) {
	gate := NewQualityGate()
	text := "Kanka bu fonksiyonu şöyle düzeltirsin, gayet basit bir durum."
	report := gate.Check(text, "chat", "professional")
	assert.False(t, report.Blocked)
	assert.Contains(t, issueCodes(report), IssueStyleMismatch)
}

func TestQualityCleanTextPasses(t *testing.T) {
	gate := NewQualityGate()
	report := gate.Check("İzmir'de hava yarın parçalı bulutlu görünüyor, yanına ince bir mont al.", "chat", "")
	assert.False(t, report.Blocked)
	require.Empty(t, report.Issues)
}
