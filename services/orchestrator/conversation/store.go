// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation stores session history in two tiers: a Badger
// hot cache (bounded, 1h TTL) in front of a SQLite archive.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// hotTTL is how long an idle session stays in the hot tier.
const hotTTL = time.Hour

// retentionSweepInterval is how often the archive retention loop runs.
const retentionSweepInterval = 6 * time.Hour

// Store is the two-tier session history.
//
// # Description
//
// Reads hit the hot tier first; a miss falls back to the archive and
// warms the cache. Writes go to both tiers, archive first so a crash
// between the two can only lose cache state. The hot list is capped at
// HotHistoryLimit entries with last-writer-wins semantics.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent appends to the same session may
// interleave; ordering within one Append call is preserved.
type Store struct {
	hot    *badger.DB
	warm   *WarmStore
	logger *slog.Logger
}

// NewStore combines the tiers. warm may be nil for cache-only operation
// (tests); hot must be an open database.
func NewStore(hot *badger.DB, warm *WarmStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{hot: hot, warm: warm, logger: logger}
}

func hotKey(sessionID string) []byte {
	return []byte("session/" + sessionID)
}

// Append adds messages to the session history.
func (s *Store) Append(ctx context.Context, sessionID string, msgs ...datatypes.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if s.warm != nil {
		if err := s.warm.Append(ctx, sessionID, msgs...); err != nil {
			return err
		}
	}

	err := s.hot.Update(func(txn *badger.Txn) error {
		existing, err := readHotList(txn, sessionID)
		if err != nil {
			return err
		}
		updated := append(existing, msgs...)
		if len(updated) > datatypes.HotHistoryLimit {
			updated = updated[len(updated)-datatypes.HotHistoryLimit:]
		}
		return writeHotList(txn, sessionID, updated)
	})
	if err != nil {
		// The archive already has the messages; a cache failure only
		// costs the next read a warm-store round trip.
		s.logger.Warn("hot tier append failed", "session_id", sessionID, "error", err)
	}
	return nil
}

// Recent returns the last limit messages in chronological order.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]datatypes.Message, error) {
	if limit <= 0 || limit > datatypes.HotHistoryLimit {
		limit = datatypes.HotHistoryLimit
	}

	var cached []datatypes.Message
	err := s.hot.View(func(txn *badger.Txn) error {
		var err error
		cached, err = readHotList(txn, sessionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read hot tier: %w", err)
	}
	if len(cached) > 0 {
		return tailOf(cached, limit), nil
	}
	if s.warm == nil {
		return nil, nil
	}

	// Cache miss: fall back to the archive and warm the cache.
	msgs, err := s.warm.Recent(ctx, sessionID, datatypes.HotHistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		warmErr := s.hot.Update(func(txn *badger.Txn) error {
			return writeHotList(txn, sessionID, msgs)
		})
		if warmErr != nil {
			s.logger.Warn("cache warming failed", "session_id", sessionID, "error", warmErr)
		}
	}
	return tailOf(msgs, limit), nil
}

// StartRetentionLoop prunes the archive periodically until ctx ends.
// A zero retention disables pruning.
func (s *Store) StartRetentionLoop(ctx context.Context, retention time.Duration) {
	if s.warm == nil || retention <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(retentionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.warm.Prune(ctx, time.Now().Add(-retention))
				if err != nil {
					s.logger.Warn("archive retention sweep failed", "error", err)
				} else if n > 0 {
					s.logger.Info("archive retention sweep", "pruned", n)
				}
			}
		}
	}()
}

func readHotList(txn *badger.Txn, sessionID string) ([]datatypes.Message, error) {
	item, err := txn.Get(hotKey(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []datatypes.Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msgs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode hot session list: %w", err)
	}
	return msgs, nil
}

func writeHotList(txn *badger.Txn, sessionID string, msgs []datatypes.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to encode hot session list: %w", err)
	}
	entry := badger.NewEntry(hotKey(sessionID), data).WithTTL(hotTTL)
	return txn.SetEntry(entry)
}

func tailOf(msgs []datatypes.Message, n int) []datatypes.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
