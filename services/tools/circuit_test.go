// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(now *time.Time) *Breaker {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, OpenDuration: 30 * time.Second})
	b.nowFunc = func() time.Time { return *now }
	return b
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.Allow())

	// After the open window one probe is admitted, and only one.
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow())

	// Probe success closes the breaker.
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())

	// The reopened window starts over.
	now = now.Add(29 * time.Second)
	assert.False(t, b.Allow())
	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
}
