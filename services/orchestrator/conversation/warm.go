// Copyright (C) 2025 Reverie AI (dev@reverie.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/reverie-ai/reverie/services/orchestrator/datatypes"
)

// WarmStore is the durable conversation archive. Every message lands
// here; the hot tier is only a bounded cache in front of it.
type WarmStore struct {
	db *sql.DB
}

// OpenWarmStore opens (and migrates) the archive database, creating
// the parent directory if needed.
func OpenWarmStore(dbPath string) (*WarmStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}
	store := &WarmStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate archive database: %w", err)
	}
	return store, nil
}

func (w *WarmStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
	`
	_, err := w.db.Exec(schema)
	return err
}

// Append archives messages in order within one transaction.
func (w *WarmStore) Append(ctx context.Context, sessionID string, msgs ...datatypes.Message) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`
	for _, m := range msgs {
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, query, sessionID, m.Role, m.Content, createdAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("failed to archive message: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns the last limit messages of a session in chronological
// order.
func (w *WarmStore) Recent(ctx context.Context, sessionID string, limit int) ([]datatypes.Message, error) {
	const query = `
	SELECT role, content, created_at FROM messages
	WHERE session_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := w.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var msgs []datatypes.Message
	for rows.Next() {
		var m datatypes.Message
		var createdAt string
		if err := rows.Scan(&m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived message: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archive rows: %w", err)
	}
	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Prune deletes archived messages older than the cutoff and reports how
// many were removed.
func (w *WarmStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune archive: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (w *WarmStore) Close() error {
	return w.db.Close()
}
