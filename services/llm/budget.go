// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BudgetLimits caps daily usage for one model.
type BudgetLimits struct {
	Requests int64
	Tokens   int64
}

// defaultLimits applies to any model without an explicit entry.
var defaultLimits = BudgetLimits{Requests: 5000, Tokens: 5_000_000}

// alertLevels are the once-per-day threshold alerts, in percent.
var alertLevels = []int{80, 90, 100}

// modelBudget is one model's counters for the current day.
type modelBudget struct {
	requests    int64
	tokens      int64
	lastUpdated time.Time
}

// BudgetTracker enforces per-model daily request and token ceilings.
//
// # Description
//
// Counters are volatile and reset when the local date advances past the
// last reset date (reset is idempotent). The tracker fails open: an
// internal inconsistency never blocks a request, it logs and allows.
//
// Threshold alerts at 80/90/100% fire once per (model, metric, level)
// per day via the Alert callback.
//
// # Thread Safety
//
// Safe for concurrent use; all state sits behind one mutex. Increments
// are cheap (no I/O under the lock).
type BudgetTracker struct {
	mu            sync.Mutex
	counters      map[string]*modelBudget
	keyCounters   map[string]*modelBudget
	limits        map[string]BudgetLimits
	alerted       map[string]bool // "model|metric|level"
	lastResetDate string

	// Alert is invoked outside the lock when a threshold is crossed.
	Alert func(model, metric string, level int)

	logger *slog.Logger
	now    func() time.Time
}

// NewBudgetTracker creates a tracker with optional per-model limits.
func NewBudgetTracker(limits map[string]BudgetLimits, logger *slog.Logger) *BudgetTracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &BudgetTracker{
		counters:    make(map[string]*modelBudget),
		keyCounters: make(map[string]*modelBudget),
		limits:      limits,
		alerted:     make(map[string]bool),
		logger:      logger,
		now:         time.Now,
	}
	t.lastResetDate = t.today()
	return t
}

// CheckBudget reports whether the model is under its daily ceilings.
// The returned reason is empty when ok.
func (t *BudgetTracker) CheckBudget(model string) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeReset()

	limits := t.limitsFor(model)
	b := t.counters[model]
	if b == nil {
		return true, ""
	}
	if limits.Requests > 0 && b.requests >= limits.Requests {
		return false, fmt.Sprintf("daily request limit reached for %s (%d)", model, limits.Requests)
	}
	if limits.Tokens > 0 && b.tokens >= limits.Tokens {
		return false, fmt.Sprintf("daily token limit reached for %s (%d)", model, limits.Tokens)
	}
	return true, ""
}

// RecordUsage increments the model counters and, when keyPrefix is
// non-empty, the key-scoped counters as well.
func (t *BudgetTracker) RecordUsage(model string, tokens int, keyPrefix string) {
	var alerts []func()

	t.mu.Lock()
	t.maybeReset()

	b := t.counters[model]
	if b == nil {
		b = &modelBudget{}
		t.counters[model] = b
	}
	b.requests++
	b.tokens += int64(tokens)
	b.lastUpdated = t.now()

	if keyPrefix != "" {
		kb := t.keyCounters[keyPrefix+"|"+model]
		if kb == nil {
			kb = &modelBudget{}
			t.keyCounters[keyPrefix+"|"+model] = kb
		}
		kb.requests++
		kb.tokens += int64(tokens)
		kb.lastUpdated = b.lastUpdated
	}

	limits := t.limitsFor(model)
	alerts = append(alerts, t.thresholdAlerts(model, "requests", b.requests, limits.Requests)...)
	alerts = append(alerts, t.thresholdAlerts(model, "tokens", b.tokens, limits.Tokens)...)
	t.mu.Unlock()

	for _, fire := range alerts {
		fire()
	}
}

// Usage returns the current counters for a model (requests, tokens).
func (t *BudgetTracker) Usage(model string) (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeReset()
	b := t.counters[model]
	if b == nil {
		return 0, 0
	}
	return b.requests, b.tokens
}

// thresholdAlerts collects alert callbacks for newly crossed levels.
// Must be called with the lock held; returned funcs run outside it.
func (t *BudgetTracker) thresholdAlerts(model, metric string, used, limit int64) []func() {
	if limit <= 0 || t.Alert == nil {
		return nil
	}
	var out []func()
	pct := used * 100 / limit
	for _, level := range alertLevels {
		if pct < int64(level) {
			break
		}
		key := fmt.Sprintf("%s|%s|%d", model, metric, level)
		if t.alerted[key] {
			continue
		}
		t.alerted[key] = true
		model, metric, level := model, metric, level
		out = append(out, func() { t.Alert(model, metric, level) })
	}
	return out
}

func (t *BudgetTracker) limitsFor(model string) BudgetLimits {
	if l, ok := t.limits[model]; ok {
		return l
	}
	return defaultLimits
}

// maybeReset clears counters when the local date has advanced.
// Idempotent; callers hold the lock.
func (t *BudgetTracker) maybeReset() {
	today := t.today()
	if today == t.lastResetDate {
		return
	}
	t.counters = make(map[string]*modelBudget)
	t.keyCounters = make(map[string]*modelBudget)
	t.alerted = make(map[string]bool)
	t.lastResetDate = today
	t.logger.Info("budget counters reset", "date", today)
}

// today is the local date; budget days roll at local midnight.
func (t *BudgetTracker) today() string {
	return t.now().Format("2006-01-02")
}
