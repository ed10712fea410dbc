// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// Write-gate thresholds.
const (
	// highImportance with at least promotionConfidence admits a fact to
	// the long-term graph tier regardless of its predicate weights.
	highImportance      = 0.8
	promotionConfidence = 0.5

	// Per-dimension bars for the weighted promotion rule.
	minUtility    = 0.5
	minStability  = 0.5
	minImportance = 0.4

	// trivialImportance with neutral sentiment discards the fact.
	trivialImportance = 0.2

	ephemeralTTL = int64(24 * 60 * 60) // 24h
	sessionTTL   = int64(2 * 60 * 60)  // 2h
)

// FactWriter is the slice of the fact store the write gate needs.
type FactWriter interface {
	ActiveFact(ctx context.Context, userID, predicate string) (*datatypes.Fact, error)
	InsertFact(ctx context.Context, fact datatypes.Fact) error
	SetFactStatus(ctx context.Context, factID, status, supersededBy string) error
}

// WriteGate classifies candidate facts into memory tiers and enforces
// the exclusive-predicate lifecycle on the graph store.
//
// # Thread Safety
//
// Safe for concurrent use; per-user write ordering is the caller's
// responsibility (the engine serializes write-backs per session).
type WriteGate struct {
	facts   FactWriter
	catalog *Catalog
	enabled bool
	logger  *slog.Logger
}

// NewWriteGate creates the gate. With enabled false every candidate
// fact is discarded; reminder extraction stays active upstream.
func NewWriteGate(facts FactWriter, catalog *Catalog, enabled bool, logger *slog.Logger) *WriteGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &WriteGate{facts: facts, catalog: catalog, enabled: enabled, logger: logger}
}

// Classify runs the decision ladder on a candidate fact without
// touching storage.
//
// Ladder, first match wins:
//  1. memory writes disabled -> discard
//  2. ephemeral durability -> ephemeral, TTL 24h
//  3. session durability -> session, TTL 2h
//  4. importance >= 0.8 and confidence >= 0.5 -> long_term
//  5. utility, stability, confidence each >= 0.5 and importance >= 0.4
//     -> long_term
//  6. importance <= 0.2 with neutral sentiment -> discard
//  7. otherwise -> ephemeral, TTL 24h
func (w *WriteGate) Classify(fact datatypes.Fact) datatypes.MemoryDecision {
	if !w.enabled {
		return datatypes.MemoryDecision{
			Decision: datatypes.DecisionDiscard,
			Reason:   "memory mode disabled",
		}
	}

	predicate := NormalizePredicate(fact.Predicate)
	if meta, ok := w.catalog.Lookup(predicate); ok {
		switch meta.Durability {
		case datatypes.DurabilityEphemeral:
			return datatypes.MemoryDecision{
				Decision:   datatypes.DecisionEphemeral,
				TTLSeconds: ephemeralTTL,
				Reason:     "ephemeral predicate",
			}
		case datatypes.DurabilitySession:
			return datatypes.MemoryDecision{
				Decision:   datatypes.DecisionSession,
				TTLSeconds: sessionTTL,
				Reason:     "session-scoped predicate",
			}
		}
	}

	if fact.Importance >= highImportance && fact.Confidence >= promotionConfidence {
		return datatypes.MemoryDecision{
			Decision: datatypes.DecisionLongTerm,
			Reason:   fmt.Sprintf("importance %.2f with confidence %.2f", fact.Importance, fact.Confidence),
		}
	}

	utility, stability := w.catalog.Weights(predicate)
	scores := map[string]float64{
		"utility":    utility,
		"stability":  stability,
		"confidence": fact.Confidence,
		"importance": fact.Importance,
	}
	if utility >= minUtility && stability >= minStability &&
		fact.Confidence >= promotionConfidence && fact.Importance >= minImportance {
		return datatypes.MemoryDecision{
			Decision: datatypes.DecisionLongTerm,
			Reason:   "predicate weights and confidence above long-term bars",
			Scores:   scores,
		}
	}

	if fact.Importance <= trivialImportance && neutralSentiment(fact.Sentiment) {
		return datatypes.MemoryDecision{
			Decision: datatypes.DecisionDiscard,
			Reason:   fmt.Sprintf("trivial neutral fact, importance %.2f", fact.Importance),
			Scores:   scores,
		}
	}

	return datatypes.MemoryDecision{
		Decision:   datatypes.DecisionEphemeral,
		TTLSeconds: ephemeralTTL,
		Reason:     "below long-term bars, kept short-lived",
		Scores:     scores,
	}
}

// neutralSentiment treats unannotated sentiment as neutral: extraction
// only labels clearly positive or negative statements.
func neutralSentiment(s string) bool {
	return s == "" || s == "neutral"
}

// CommitLongTerm writes a long_term-classified fact to the graph,
// applying the exclusive-predicate lifecycle:
//
//   - additive predicate: insert unless the same object is already
//     active (duplicate refresh is a no-op).
//   - exclusive predicate, no active fact: insert active.
//   - exclusive, same object active: no-op.
//   - exclusive, different object, new confidence strictly higher:
//     supersede the old fact and insert the new one active.
//   - exclusive, different object, new confidence not higher: keep the
//     old fact but flag both conflicted; the synthesizer will ask the
//     user.
//
// The returned fact carries its assigned ULID and final status.
func (w *WriteGate) CommitLongTerm(ctx context.Context, fact datatypes.Fact) (*datatypes.Fact, error) {
	fact.Predicate = NormalizePredicate(fact.Predicate)
	if fact.ID == "" {
		fact.ID = ulid.Make().String()
	}
	if fact.UpdatedAt.IsZero() {
		fact.UpdatedAt = time.Now().UTC()
	}
	fact.Status = datatypes.FactActive

	if !w.catalog.IsExclusive(fact.Predicate) {
		existing, err := w.facts.ActiveFact(ctx, fact.Subject, fact.Predicate)
		if err == nil && existing != nil && existing.Object == fact.Object {
			return existing, nil
		}
		if err := w.facts.InsertFact(ctx, fact); err != nil {
			return nil, err
		}
		return &fact, nil
	}

	existing, err := w.facts.ActiveFact(ctx, fact.Subject, fact.Predicate)
	if err != nil {
		return nil, fmt.Errorf("failed to check active fact: %w", err)
	}

	switch {
	case existing == nil:
		if err := w.facts.InsertFact(ctx, fact); err != nil {
			return nil, err
		}
	case existing.Object == fact.Object:
		// Restating a known fact changes nothing.
		return existing, nil
	case fact.Confidence > existing.Confidence:
		if err := w.facts.SetFactStatus(ctx, existing.ID, datatypes.FactSuperseded, fact.ID); err != nil {
			return nil, err
		}
		if err := w.facts.InsertFact(ctx, fact); err != nil {
			return nil, err
		}
		w.logger.Info("fact superseded",
			"predicate", fact.Predicate, "old", existing.ID, "new", fact.ID)
	default:
		if err := w.facts.SetFactStatus(ctx, existing.ID, datatypes.FactConflicted, ""); err != nil {
			return nil, err
		}
		fact.Status = datatypes.FactConflicted
		if err := w.facts.InsertFact(ctx, fact); err != nil {
			return nil, err
		}
		w.logger.Warn("fact conflict recorded",
			"predicate", fact.Predicate, "existing", existing.ID, "incoming", fact.ID)
	}
	return &fact, nil
}
