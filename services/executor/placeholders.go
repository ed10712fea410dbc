// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// placeholderPattern matches {task_id.output} references.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_\-]+)\.output\}`)

// thoughtPattern extracts <thought> blocks; DOTALL and case-insensitive
// because models are inconsistent about casing and line breaks.
var thoughtPattern = regexp.MustCompile(`(?is)<thought>(.*?)</thought>`)

// Substitute replaces {id.output} placeholders with upstream outputs.
// References to missing or failed tasks degrade to an inline error
// marker so downstream generation can acknowledge the gap instead of
// hallucinating the data.
func Substitute(instruction string, results map[string]datatypes.TaskResult) string {
	return placeholderPattern.ReplaceAllStringFunc(instruction, func(match string) string {
		id := placeholderPattern.FindStringSubmatch(match)[1]
		result, ok := results[id]
		if !ok || result.Status != datatypes.TaskStatusSuccess {
			return fmt.Sprintf("[error: %s unavailable]", id)
		}
		return result.Output
	})
}

// ExtractThought splits generation output into the visible text and the
// concatenated content of its <thought> blocks.
func ExtractThought(text string) (visible, thought string) {
	matches := thoughtPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, ""
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		if t := strings.TrimSpace(m[1]); t != "" {
			parts = append(parts, t)
		}
	}
	visible = strings.TrimSpace(thoughtPattern.ReplaceAllString(text, ""))
	return visible, strings.Join(parts, "\n")
}
