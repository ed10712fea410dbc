// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// SessionFactStore holds session- and ephemeral-tier facts in Badger
// with per-entry TTLs. Facts here never reach the graph: expiry is the
// forgetting mechanism. One entry per (user, predicate); a newer fact
// for the same predicate overwrites the older one.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation.
type SessionFactStore struct {
	db *badger.DB
}

// NewSessionFactStore wraps an open database.
func NewSessionFactStore(db *badger.DB) *SessionFactStore {
	return &SessionFactStore{db: db}
}

func sessionFactKey(userID, predicate string) []byte {
	return []byte("sessfact/" + userID + "/" + predicate)
}

// Put stores a fact with the gate-assigned TTL.
func (s *SessionFactStore) Put(userID string, fact datatypes.Fact, ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("session fact requires a positive TTL, got %d", ttlSeconds)
	}
	fact.Predicate = NormalizePredicate(fact.Predicate)
	data, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("failed to encode session fact: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(sessionFactKey(userID, fact.Predicate), data).
			WithTTL(time.Duration(ttlSeconds) * time.Second)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to store session fact: %w", err)
	}
	return nil
}

// Facts returns the user's unexpired session facts.
func (s *SessionFactStore) Facts(userID string) ([]datatypes.Fact, error) {
	var facts []datatypes.Fact
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("sessfact/" + userID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var f datatypes.Fact
				if err := json.Unmarshal(val, &f); err != nil {
					return err
				}
				facts = append(facts, f)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list session facts: %w", err)
	}
	return facts, nil
}
