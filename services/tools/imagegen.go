// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"
)

// Image job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// jobTTL evicts finished jobs from the queue database.
const jobTTL = 24 * time.Hour

// ImageJob is one queued generation request.
type ImageJob struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Prompt    string    `json:"prompt"`
	Status    string    `json:"status"`
	ImageURL  string    `json:"image_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImageBackend renders one image and returns its URL.
type ImageBackend interface {
	Render(ctx context.Context, prompt string) (string, error)
}

// ImageQueue is the durable job queue with in-process progress pub/sub.
//
// Enqueue never waits on rendering: the tool returns as soon as the job
// is persisted, and interested transports subscribe to updates.
//
// # Thread Safety
//
// Safe for concurrent use.
type ImageQueue struct {
	db      *badger.DB
	backend ImageBackend
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string][]chan ImageJob

	jobCh  chan string
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewImageQueue creates the queue. Call Start to launch the worker and
// Stop to drain it.
func NewImageQueue(db *badger.DB, backend ImageBackend, logger *slog.Logger) *ImageQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageQueue{
		db:      db,
		backend: backend,
		logger:  logger,
		subs:    make(map[string][]chan ImageJob),
		jobCh:   make(chan string, 64),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func jobKey(id string) []byte { return []byte("imagejob/" + id) }

// Enqueue persists a job and hands it to the worker.
func (q *ImageQueue) Enqueue(userID, sessionID, prompt string) (*ImageJob, error) {
	now := time.Now().UTC()
	job := ImageJob{
		ID:        ulid.Make().String(),
		UserID:    userID,
		SessionID: sessionID,
		Prompt:    prompt,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.putJob(job); err != nil {
		return nil, err
	}
	select {
	case q.jobCh <- job.ID:
	default:
		// Worker backlog full; the job stays queued in the database and
		// will be picked up by the requeue scan.
		q.logger.Warn("image worker backlog full", "job_id", job.ID)
	}
	return &job, nil
}

// Job fetches one job by id.
func (q *ImageQueue) Job(id string) (*ImageJob, error) {
	var job ImageJob
	err := q.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(jobKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load image job: %w", err)
	}
	return &job, nil
}

// Subscribe returns a channel of job updates. The channel closes when
// the job reaches a terminal status.
func (q *ImageQueue) Subscribe(jobID string) <-chan ImageJob {
	ch := make(chan ImageJob, 8)
	q.mu.Lock()
	q.subs[jobID] = append(q.subs[jobID], ch)
	q.mu.Unlock()
	return ch
}

// Start launches the worker goroutine.
func (q *ImageQueue) Start() {
	go func() {
		defer close(q.doneCh)
		for {
			select {
			case id := <-q.jobCh:
				q.process(id)
			case <-q.stopCh:
				return
			}
		}
	}()
}

// Stop halts the worker. Queued jobs stay persisted.
func (q *ImageQueue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

func (q *ImageQueue) process(id string) {
	job, err := q.Job(id)
	if err != nil {
		q.logger.Warn("image job vanished before processing", "job_id", id, "error", err)
		return
	}
	q.transition(job, JobRunning, "", "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	url, err := q.backend.Render(ctx, job.Prompt)
	if err != nil {
		q.logger.Warn("image render failed", "job_id", id, "error", err)
		q.transition(job, JobFailed, "", err.Error())
		return
	}
	q.transition(job, JobCompleted, url, "")
}

func (q *ImageQueue) transition(job *ImageJob, status, imageURL, errMsg string) {
	job.Status = status
	job.ImageURL = imageURL
	job.Error = errMsg
	job.UpdatedAt = time.Now().UTC()
	if err := q.putJob(*job); err != nil {
		q.logger.Warn("failed to persist image job transition", "job_id", job.ID, "error", err)
	}
	q.publish(*job)
}

func (q *ImageQueue) putJob(job ImageJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode image job: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(jobKey(job.ID), data).WithTTL(jobTTL))
	})
	if err != nil {
		return fmt.Errorf("failed to store image job: %w", err)
	}
	return nil
}

func (q *ImageQueue) publish(job ImageJob) {
	terminal := job.Status == JobCompleted || job.Status == JobFailed
	q.mu.Lock()
	subs := q.subs[job.ID]
	if terminal {
		delete(q.subs, job.ID)
	}
	q.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- job:
		default:
			// Slow subscriber; drop the intermediate update.
		}
		if terminal {
			close(ch)
		}
	}
}

// ImageGen is the tool surface over the queue. It only enqueues.
type ImageGen struct {
	queue *ImageQueue
}

var _ Tool = (*ImageGen)(nil)

// NewImageGen wraps a queue.
func NewImageGen(queue *ImageQueue) *ImageGen {
	return &ImageGen{queue: queue}
}

func (g *ImageGen) Name() string { return "image_generation" }

func (g *ImageGen) Description() string {
	return "Görsel oluşturma isteğini kuyruğa alır; sonuç hazır olunca ayrıca iletilir."
}

// Execute enqueues and returns immediately; it never waits for the
// render to finish.
func (g *ImageGen) Execute(_ context.Context, params map[string]any) (*Result, error) {
	prompt, _ := params["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("image_generation: missing prompt parameter")
	}
	userID, _ := params["user_id"].(string)
	sessionID, _ := params["session_id"].(string)

	job, err := g.queue.Enqueue(userID, sessionID, prompt)
	if err != nil {
		return nil, fmt.Errorf("image_generation: %w", err)
	}
	return &Result{
		Output: fmt.Sprintf("Görsel oluşturma kuyruğa alındı (iş kimliği: %s). Hazır olduğunda iletilecek.", job.ID),
	}, nil
}
