// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

const (
	// writeBackTimeout bounds the whole background task.
	writeBackTimeout = 30 * time.Second

	// writeBackRetries is how many times a failed step is retried.
	writeBackRetries = 2

	retryDelay = 500 * time.Millisecond

	// episodicImportance is the default importance for raw user turns
	// stored in the semantic tier (0-10 scale).
	episodicImportance = 5.0
)

// turnRecord is everything the write-back needs from a finished turn.
type turnRecord struct {
	User          datatypes.UserContext
	UserMessage   string
	AssistantText string
	// Delivered are the reminders surfaced in this turn's reply.
	Delivered []datatypes.ProspectiveTask
}

// spawnWriteBack runs the write-back in the background and publishes a
// barrier the next turn on this session will wait on.
func (e *Engine) spawnWriteBack(rec turnRecord, logger *slog.Logger) {
	done := make(chan struct{})
	e.mu.Lock()
	e.barriers[rec.User.SessionID] = done
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()
		e.writeBack(ctx, rec, logger)
	}()
}

// writeBack persists the turn: session history, episodic embedding,
// knowledge extraction through the write gate, and reminder upkeep.
// Every step degrades independently; a dead tier never loses the rest.
func (e *Engine) writeBack(ctx context.Context, rec turnRecord, logger *slog.Logger) {
	ctx, span := engineTracer.Start(ctx, "Engine.writeBack")
	defer span.End()

	e.appendSession(ctx, rec, logger)
	e.upsertEpisodic(ctx, rec, logger)
	e.extractAndCommit(ctx, rec, logger)

	if e.deps.Reminders != nil {
		for _, r := range rec.Delivered {
			if err := e.deps.Reminders.MarkDelivered(rec.User.UserID, r.ID); err != nil {
				logger.Warn("failed to mark reminder delivered", "reminder_id", r.ID, "error", err)
			}
		}
	}
}

func (e *Engine) appendSession(ctx context.Context, rec turnRecord, logger *slog.Logger) {
	now := time.Now().UTC()
	msgs := []datatypes.Message{{Role: "user", Content: rec.UserMessage, CreatedAt: now}}
	if rec.AssistantText != "" {
		msgs = append(msgs, datatypes.Message{Role: "assistant", Content: rec.AssistantText, CreatedAt: now})
	}
	withRetry(logger, "session append", func() error {
		return e.deps.Sessions.Append(ctx, rec.User.SessionID, msgs...)
	})
}

func (e *Engine) upsertEpisodic(ctx context.Context, rec turnRecord, logger *slog.Logger) {
	if e.deps.Embedder == nil || e.deps.Vectors == nil {
		return
	}
	vectors, err := e.deps.Embedder.Embed(ctx, []string{rec.UserMessage})
	if err != nil || len(vectors) == 0 {
		logger.Warn("episodic embedding failed", "error", err)
		return
	}
	item := datatypes.RetrievedMemory{
		ID:         ulid.Make().String(),
		Text:       rec.UserMessage,
		Tier:       datatypes.TierSemantic,
		Importance: episodicImportance,
		CreatedAt:  time.Now().UTC(),
	}
	withRetry(logger, "episodic upsert", func() error {
		return e.deps.Vectors.Upsert(ctx, item, rec.User.UserID, vectors[0])
	})
}

func (e *Engine) extractAndCommit(ctx context.Context, rec turnRecord, logger *slog.Logger) {
	if e.deps.Extractor == nil {
		return
	}
	result, err := e.deps.Extractor.Extract(ctx, rec.User.UserID, rec.UserMessage, rec.User.MessageID)
	if err != nil {
		logger.Warn("knowledge extraction failed", "error", err)
		return
	}

	// Reminders below still flow when the fact gate is absent.
	if e.deps.FactGate != nil {
		for _, fact := range result.Facts {
			decision := e.deps.FactGate.Classify(fact)
			switch decision.Decision {
			case datatypes.DecisionDiscard:
				logger.Debug("fact discarded", "predicate", fact.Predicate, "reason", decision.Reason)
			case datatypes.DecisionLongTerm:
				fact := fact
				withRetry(logger, "fact commit", func() error {
					_, err := e.deps.FactGate.CommitLongTerm(ctx, fact)
					return err
				})
			case datatypes.DecisionEphemeral, datatypes.DecisionSession:
				if e.deps.SessionFacts == nil {
					continue
				}
				if err := e.deps.SessionFacts.Put(rec.User.UserID, fact, decision.TTLSeconds); err != nil {
					logger.Warn("session fact store failed", "predicate", fact.Predicate, "error", err)
				}
			}
		}
	}

	if e.deps.Reminders != nil {
		for _, task := range result.Reminders {
			if err := e.deps.Reminders.Add(task); err != nil {
				logger.Warn("failed to store reminder", "error", err)
			}
		}
	}
}

// withRetry runs fn, retrying transient failures a bounded number of
// times. The last error is logged, never returned: write-back steps
// degrade instead of failing the turn.
func withRetry(logger *slog.Logger, step string, fn func() error) {
	var err error
	for attempt := 0; attempt <= writeBackRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if err = fn(); err == nil {
			return
		}
	}
	logger.Warn("write-back step failed after retries", "step", step, "error", err)
}
