// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package safety implements the input/output safety gate and the
// post-generation quality gate.
//
// The input path layers pattern checks (prompt injection, PII) with an
// LLM guard; the output path only masks PII and never blocks. Quality
// checks live in quality.go.
package safety

import (
	"regexp"
)

// PII categories. Matched spans are replaced with "[CATEGORY]" tokens;
// originals are discarded and never logged.
const (
	PIIEmail      = "EMAIL"
	PIIPhoneTR    = "PHONE_TR"
	PIICreditCard = "CREDIT_CARD"
	PIINationalID = "TC_ID"
	PIIIBAN       = "IBAN"
)

// piiPattern pairs a category with its detector.
type piiPattern struct {
	category string
	re       *regexp.Regexp
}

// Order matters: IBAN before national id so the digit run inside an IBAN
// is not re-matched, card before phone for the same reason.
var piiPatterns = []piiPattern{
	{PIIEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{PIIIBAN, regexp.MustCompile(`\bTR\d{2}[ ]?(\d{4}[ ]?){5}\d{2}\b`)},
	{PIICreditCard, regexp.MustCompile(`\b(?:\d[ \-]?){15}\d\b`)},
	{PIINationalID, regexp.MustCompile(`\b[1-9]\d{10}\b`)},
	{PIIPhoneTR, regexp.MustCompile(`(?:\+90[\s\-]?|0)?5\d{2}[\s\-]?\d{3}[\s\-]?\d{2}[\s\-]?\d{2}\b`)},
}

// PIIMatch reports one masked span.
type PIIMatch struct {
	Category string
}

// MaskPII replaces all detected PII spans with category tokens and
// returns the masked copy plus one match record per replacement.
//
// Masking is idempotent: category tokens contain no digits or @, so a
// second pass finds nothing.
func MaskPII(text string) (string, []PIIMatch) {
	var matches []PIIMatch
	masked := text
	for _, p := range piiPatterns {
		masked = p.re.ReplaceAllStringFunc(masked, func(string) string {
			matches = append(matches, PIIMatch{Category: p.category})
			return "[" + p.category + "]"
		})
	}
	return masked, matches
}
