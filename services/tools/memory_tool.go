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
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// deleteTokenTTL bounds how long a deletion preview stays confirmable.
const deleteTokenTTL = 5 * time.Minute

// deleteTokenPrefix namespaces pending-deletion tokens in the hot store.
const deleteTokenPrefix = "deltoken/"

// confirmationWords accepted in the second step.
var confirmationWords = map[string]bool{
	"evet": true, "onayla": true, "sil": true, "confirm": true,
}

// Forgetter is the slice of the fact store the memory tool needs: a
// preview of what would be deleted, and the deletion itself.
type Forgetter interface {
	ActiveFact(ctx context.Context, userID, predicate string) (*datatypes.Fact, error)
	ForgetPredicate(ctx context.Context, userID, predicate string) error
}

// pendingDeletion is the token payload persisted between the two steps.
type pendingDeletion struct {
	UserID    string `json:"user_id"`
	Predicate string `json:"predicate"`
}

// MemoryControl executes user-initiated memory deletions ("beni unut",
// "nerede yaşadığımı sil") as a two-step workflow: the first call
// previews the matching fact and issues a single-use confirmation
// token; a second call carrying the token plus a confirmation word
// performs the deletion. Tokens expire after five minutes. The tool
// only ever deletes; memory writes go through the write gate, never
// through a tool.
type MemoryControl struct {
	facts Forgetter
	db    *badger.DB
}

var _ Tool = (*MemoryControl)(nil)

// NewMemoryControl wraps a fact store and the hot store holding the
// pending-deletion tokens.
func NewMemoryControl(facts Forgetter, db *badger.DB) *MemoryControl {
	return &MemoryControl{facts: facts, db: db}
}

func (m *MemoryControl) Name() string { return "memory_control" }

func (m *MemoryControl) Description() string {
	return "Kullanıcının isteğiyle hakkında tutulan bir bilgiyi kalıcı olarak siler; önce onay ister."
}

// Execute handles params: action ("forget"), user_id, predicate, and on
// the second step confirmation_token + confirmation.
func (m *MemoryControl) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	action, _ := params["action"].(string)
	if action != "forget" {
		return nil, fmt.Errorf("memory_control: unsupported action %q", action)
	}
	userID, _ := params["user_id"].(string)
	if userID == "" {
		return nil, errors.New("memory_control: user_id is required")
	}

	if token, _ := params["confirmation_token"].(string); token != "" {
		confirmation, _ := params["confirmation"].(string)
		return m.confirm(ctx, userID, token, confirmation)
	}

	predicate, _ := params["predicate"].(string)
	if strings.TrimSpace(predicate) == "" {
		return nil, errors.New("memory_control: predicate is required")
	}
	return m.preview(ctx, userID, predicate)
}

// preview looks up what would be deleted and issues the token.
func (m *MemoryControl) preview(ctx context.Context, userID, predicate string) (*Result, error) {
	fact, err := m.facts.ActiveFact(ctx, userID, predicate)
	if err != nil {
		return nil, fmt.Errorf("memory_control: %w", err)
	}
	if fact == nil {
		return &Result{Output: fmt.Sprintf("%s hakkında kayıtlı bir bilgi yok.", predicate)}, nil
	}

	token := ulid.Make().String()
	payload, err := json.Marshal(pendingDeletion{UserID: userID, Predicate: predicate})
	if err != nil {
		return nil, fmt.Errorf("memory_control: %w", err)
	}
	err = m.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(deleteTokenPrefix+token), payload).WithTTL(deleteTokenTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("memory_control: storing confirmation token: %w", err)
	}

	return &Result{Output: fmt.Sprintf(
		"Silinecek bilgi: %s: %s. Onaylarsan kalıcı olarak silinecek. confirmation_token=%s",
		fact.Predicate, fact.Object, token)}, nil
}

// confirm redeems the token (single use) and deletes.
func (m *MemoryControl) confirm(ctx context.Context, userID, token, confirmation string) (*Result, error) {
	if !confirmationWords[strings.ToLower(strings.TrimSpace(confirmation))] {
		return nil, errors.New("memory_control: silme onaylanmadı")
	}

	var pending pendingDeletion
	err := m.db.Update(func(txn *badger.Txn) error {
		key := []byte(deleteTokenPrefix + token)
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &pending)
		}); err != nil {
			return err
		}
		// Redeemed tokens are deleted in the same transaction so a
		// replayed confirmation fails.
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errors.New("memory_control: onay süresi dolmuş veya belirteç geçersiz")
	}
	if err != nil {
		return nil, fmt.Errorf("memory_control: %w", err)
	}
	if pending.UserID != userID {
		return nil, errors.New("memory_control: belirteç bu kullanıcıya ait değil")
	}

	if err := m.facts.ForgetPredicate(ctx, pending.UserID, pending.Predicate); err != nil {
		return nil, fmt.Errorf("memory_control: %w", err)
	}
	return &Result{Output: fmt.Sprintf("%s bilgisi silindi.", pending.Predicate)}, nil
}
