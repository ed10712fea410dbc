// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
	"github.com/reverie-ai/reverie/services/orchestrator/storage/badgerdb"
)

func newTestSessionFactStore(t *testing.T) *SessionFactStore {
	t.Helper()
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSessionFactStore(db)
}

func TestSessionFactPutAndList(t *testing.T) {
	store := newTestSessionFactStore(t)

	require.NoError(t, store.Put("u1", datatypes.Fact{
		Subject: "user", Predicate: "HİSSEDER", Object: "yorgun",
	}, 3600))
	require.NoError(t, store.Put("u2", datatypes.Fact{
		Subject: "user", Predicate: "HISSEDER", Object: "mutlu",
	}, 3600))

	facts, err := store.Facts("u1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "HISSEDER", facts[0].Predicate, "predicate should be normalized on write")
	assert.Equal(t, "yorgun", facts[0].Object)
}

func TestSessionFactOverwritesSamePredicate(t *testing.T) {
	store := newTestSessionFactStore(t)

	require.NoError(t, store.Put("u1", datatypes.Fact{Predicate: "HISSEDER", Object: "yorgun"}, 600))
	require.NoError(t, store.Put("u1", datatypes.Fact{Predicate: "HISSEDER", Object: "dinlenmiş"}, 600))

	facts, err := store.Facts("u1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "dinlenmiş", facts[0].Object)
}

func TestSessionFactRejectsNonPositiveTTL(t *testing.T) {
	store := newTestSessionFactStore(t)
	err := store.Put("u1", datatypes.Fact{Predicate: "HISSEDER", Object: "x"}, 0)
	assert.Error(t, err)
}
