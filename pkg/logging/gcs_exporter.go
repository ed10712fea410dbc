// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// gcsBatchSize is the number of buffered entries that triggers an upload.
const gcsBatchSize = 200

// GCSExporter uploads log batches as newline-delimited JSON objects to a
// Google Cloud Storage bucket.
//
// # Description
//
// Entries are buffered in memory and flushed either when the batch fills
// or on Flush/Close. Objects are named
// "logs/{service}/{date}/{timestamp}_{uuid}.jsonl" so lifecycle rules can
// expire them by prefix.
//
// # Thread Safety
//
// Safe for concurrent use; the buffer is mutex-guarded and uploads run
// outside the lock.
type GCSExporter struct {
	client  *storage.Client
	bucket  string
	service string

	mu     sync.Mutex
	buffer []LogEntry
}

// NewGCSExporter creates an exporter for the given bucket. Credentials
// follow the usual Application Default Credentials chain; pass a
// credentials file path to override.
func NewGCSExporter(ctx context.Context, bucket, service, credentialsFile string) (*GCSExporter, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSExporter{client: client, bucket: bucket, service: service}, nil
}

// Export buffers one entry, triggering an asynchronous upload when the
// batch is full. It never blocks on network I/O.
func (e *GCSExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	e.buffer = append(e.buffer, entry)
	var batch []LogEntry
	if len(e.buffer) >= gcsBatchSize {
		batch = e.buffer
		e.buffer = nil
	}
	e.mu.Unlock()

	if batch != nil {
		go e.upload(context.Background(), batch)
	}
	return nil
}

// Flush uploads any buffered entries synchronously.
func (e *GCSExporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return e.upload(ctx, batch)
}

// Close releases the storage client. Callers should Flush first.
func (e *GCSExporter) Close() error {
	return e.client.Close()
}

func (e *GCSExporter) upload(ctx context.Context, batch []LogEntry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range batch {
		record := map[string]any{
			"ts":      entry.Timestamp.UTC().Format(time.RFC3339Nano),
			"level":   entry.Level.String(),
			"message": entry.Message,
			"service": entry.Service,
			"attrs":   entry.Attrs,
		}
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("failed to encode log entry: %w", err)
		}
	}

	name := fmt.Sprintf("logs/%s/%s/%d_%s.jsonl",
		e.service,
		time.Now().UTC().Format("2006-01-02"),
		time.Now().UnixMilli(),
		uuid.NewString())

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	w := e.client.Bucket(e.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(buf.Bytes()); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write log batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize log batch: %w", err)
	}
	return nil
}
