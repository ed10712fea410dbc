// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus metrics surface and the
// optional Influx completion sink.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/reverie-ai/reverie/services/engine"
)

// Metrics implements the gateway Telemetry interface and the engine
// CompletionRecorder on Prometheus counters.
//
// # Thread Safety
//
// Safe for concurrent use; Prometheus collectors are atomic.
type Metrics struct {
	llmAttempts   *prometheus.CounterVec
	llmSuccess    *prometheus.CounterVec
	llmAttemptSum *prometheus.HistogramVec

	turns        *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on the given registerer (use
// prometheus.DefaultRegisterer in production).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		llmAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reverie_llm_attempts_total",
			Help: "LLM attempts by model, provider family and outcome.",
		}, []string{"model", "family", "outcome"}),
		llmSuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reverie_llm_completions_total",
			Help: "Completed generations by role and winning model.",
		}, []string{"role", "model"}),
		llmAttemptSum: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reverie_llm_attempts_per_completion",
			Help:    "Fallback-chain attempts needed per completed generation.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}, []string{"role"}),
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reverie_turns_total",
			Help: "Chat turns by intent and terminal state.",
		}, []string{"intent", "state"}),
		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reverie_turn_duration_seconds",
			Help:    "End-to-end turn duration.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"intent"}),
	}
}

// RecordAttempt counts one model attempt outcome.
func (m *Metrics) RecordAttempt(model, family, outcome string) {
	m.llmAttempts.WithLabelValues(model, family, outcome).Inc()
}

// RecordSuccess counts one completed generation.
func (m *Metrics) RecordSuccess(role, model string, attempts int) {
	m.llmSuccess.WithLabelValues(role, model).Inc()
	m.llmAttemptSum.WithLabelValues(role).Observe(float64(attempts))
}

// RecordCompletion counts one finished chat turn.
func (m *Metrics) RecordCompletion(rec engine.CompletionRecord) {
	state := "ok"
	if rec.Interrupted {
		state = "interrupted"
	}
	m.turns.WithLabelValues(rec.Intent, state).Inc()
	m.turnDuration.WithLabelValues(rec.Intent).Observe(float64(rec.DurationMS) / 1000)
}
