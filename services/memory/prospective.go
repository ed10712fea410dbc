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

// prospectiveTTL keeps delivered or stale reminders from accumulating.
const prospectiveTTL = 30 * 24 * time.Hour

// ProspectiveStore persists scheduled reminders in BadgerDB.
//
// Keys are "prospective/{user_id}/{ulid}"; ULIDs sort by creation time
// so per-user scans return tasks in insertion order.
type ProspectiveStore struct {
	db *badger.DB
}

// NewProspectiveStore wraps an open database.
func NewProspectiveStore(db *badger.DB) *ProspectiveStore {
	return &ProspectiveStore{db: db}
}

func prospectiveKey(userID, id string) []byte {
	return []byte("prospective/" + userID + "/" + id)
}

// Add stores a reminder.
func (s *ProspectiveStore) Add(task datatypes.ProspectiveTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode prospective task: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(prospectiveKey(task.UserID, task.ID), data).
			WithTTL(prospectiveTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to store prospective task: %w", err)
	}
	return nil
}

// Due returns the user's undelivered tasks whose due time has passed.
func (s *ProspectiveStore) Due(userID string, now time.Time) ([]datatypes.ProspectiveTask, error) {
	var due []datatypes.ProspectiveTask
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("prospective/" + userID + "/")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var task datatypes.ProspectiveTask
				if err := json.Unmarshal(val, &task); err != nil {
					return nil // skip corrupt entries
				}
				if !task.Delivered && !task.DueAt.After(now) {
					due = append(due, task)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan prospective tasks: %w", err)
	}
	return due, nil
}

// MarkDelivered flags a task so it fires only once.
func (s *ProspectiveStore) MarkDelivered(userID, taskID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(prospectiveKey(userID, taskID))
		if err != nil {
			return err
		}
		var task datatypes.ProspectiveTask
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &task)
		}); err != nil {
			return err
		}
		task.Delivered = true
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(prospectiveKey(userID, taskID), data).
			WithTTL(prospectiveTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to mark task delivered: %w", err)
	}
	return nil
}
