// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIDRScoreBounds(t *testing.T) {
	// A perfect fresh memory scores exactly 1.
	assert.InDelta(t, 1.0, IDRScore(1.0, 10, 0), 0.0001)

	// A worthless ancient memory approaches 0.
	assert.InDelta(t, 0.0, IDRScore(0, 0, 10*365*24*time.Hour), 0.001)

	// Out-of-range inputs are clamped, never amplified.
	assert.LessOrEqual(t, IDRScore(5.0, 100, -time.Hour), 1.0)
	assert.GreaterOrEqual(t, IDRScore(-1, -5, time.Hour), 0.0)
}

func TestIDRScoreOrdering(t *testing.T) {
	// Higher similarity wins at equal importance and age.
	high := IDRScore(0.9, 5, time.Hour)
	low := IDRScore(0.3, 5, time.Hour)
	assert.Greater(t, high, low)

	// Fresher wins at equal similarity and importance.
	fresh := IDRScore(0.5, 5, time.Hour)
	stale := IDRScore(0.5, 5, 30*24*time.Hour)
	assert.Greater(t, fresh, stale)

	// More important wins at equal similarity and age.
	important := IDRScore(0.5, 9, time.Hour)
	trivial := IDRScore(0.5, 1, time.Hour)
	assert.Greater(t, important, trivial)
}

func TestIDRScoreRelevanceDominates(t *testing.T) {
	// A highly relevant old memory should outrank an irrelevant fresh one.
	relevant := IDRScore(0.95, 5, 7*24*time.Hour)
	irrelevant := IDRScore(0.1, 5, 0)
	assert.Greater(t, relevant, irrelevant)
}
