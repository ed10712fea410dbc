// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/reverie-ai/reverie/services/engine"
)

// InfluxSink ships per-turn completion records to InfluxDB using the
// client's async write API. Writes never block the request path; the
// client batches and retries internally.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *slog.Logger
}

// NewInfluxSink connects the sink. Returns nil when url or token is
// empty: a nil sink simply disables Influx telemetry.
func NewInfluxSink(url, token, org, bucket string, logger *slog.Logger) *InfluxSink {
	if url == "" || token == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPI(org, bucket)

	sink := &InfluxSink{client: client, writeAPI: writeAPI, logger: logger}
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("influx write failed", "error", err)
		}
	}()
	return sink
}

// RecordCompletion writes one turn point.
func (s *InfluxSink) RecordCompletion(rec engine.CompletionRecord) {
	point := influxdb2.NewPoint("chat_turns",
		map[string]string{
			"intent": rec.Intent,
			"model":  rec.Model,
		},
		map[string]interface{}{
			"duration_ms": rec.DurationMS,
			"tasks":       rec.Tasks,
			"fallback":    rec.Fallback,
			"interrupted": rec.Interrupted,
			"trace_id":    rec.TraceID,
		},
		time.Now())
	s.writeAPI.WritePoint(point)
}

// Close flushes buffered points and shuts the client down.
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// FanOut duplicates completion records to several recorders, skipping
// nil entries so optional sinks wire cleanly.
type FanOut []engine.CompletionRecorder

// RecordCompletion forwards to every non-nil recorder.
func (f FanOut) RecordCompletion(rec engine.CompletionRecord) {
	for _, r := range f {
		if r != nil {
			r.RecordCompletion(rec)
		}
	}
}
