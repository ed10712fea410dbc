// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetBlocksAtRequestLimit(t *testing.T) {
	tracker := NewBudgetTracker(map[string]BudgetLimits{
		"gpt-5": {Requests: 2, Tokens: 0},
	}, nil)

	ok, _ := tracker.CheckBudget("gpt-5")
	require.True(t, ok)

	tracker.RecordUsage("gpt-5", 100, "")
	tracker.RecordUsage("gpt-5", 100, "")

	ok, reason := tracker.CheckBudget("gpt-5")
	assert.False(t, ok)
	assert.Contains(t, reason, "request limit")
}

func TestBudgetBlocksAtTokenLimit(t *testing.T) {
	tracker := NewBudgetTracker(map[string]BudgetLimits{
		"gpt-5": {Requests: 0, Tokens: 500},
	}, nil)

	tracker.RecordUsage("gpt-5", 600, "")

	ok, reason := tracker.CheckBudget("gpt-5")
	assert.False(t, ok)
	assert.Contains(t, reason, "token limit")
}

func TestBudgetResetsAtLocalMidnight(t *testing.T) {
	tracker := NewBudgetTracker(map[string]BudgetLimits{
		"gpt-5": {Requests: 1},
	}, nil)

	now := time.Date(2026, 3, 1, 23, 50, 0, 0, time.Local)
	tracker.now = func() time.Time { return now }
	tracker.lastResetDate = now.Format("2006-01-02")

	tracker.RecordUsage("gpt-5", 10, "")
	ok, _ := tracker.CheckBudget("gpt-5")
	require.False(t, ok)

	now = now.Add(20 * time.Minute) // past midnight
	ok, _ = tracker.CheckBudget("gpt-5")
	assert.True(t, ok, "counters should reset on the next local day")

	requests, tokens := tracker.Usage("gpt-5")
	assert.Zero(t, requests)
	assert.Zero(t, tokens)
}

func TestBudgetThresholdAlertsFireOnce(t *testing.T) {
	tracker := NewBudgetTracker(map[string]BudgetLimits{
		"gpt-5": {Requests: 10},
	}, nil)

	var fired []string
	tracker.Alert = func(model, metric string, level int) {
		fired = append(fired, fmt.Sprintf("%s|%s|%d", model, metric, level))
	}

	for i := 0; i < 10; i++ {
		tracker.RecordUsage("gpt-5", 0, "")
	}
	// Re-recording past the limit must not re-fire levels.
	tracker.RecordUsage("gpt-5", 0, "")

	assert.Equal(t, []string{
		"gpt-5|requests|80",
		"gpt-5|requests|90",
		"gpt-5|requests|100",
	}, fired)
}

func TestBudgetUnknownModelUsesDefaults(t *testing.T) {
	tracker := NewBudgetTracker(nil, nil)
	ok, _ := tracker.CheckBudget("never-seen")
	assert.True(t, ok)
}
