// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists conversation history in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) a SQLite-backed store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an existing handle and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureConversationSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func ensureConversationSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT NOT NULL,
			conversation TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation
			ON conversation_messages (conversation, created_at);
	`)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, msg Message) error {
	metadata, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (
			id, conversation, role, content, tool_call_id, metadata_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.Conversation,
		msg.Role,
		msg.Content,
		msg.ToolCallID,
		metadata,
		normalizeTime(msg.CreatedAt),
	)
	return err
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, conversation string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation, role, content, tool_call_id, metadata_json, created_at
		FROM conversation_messages
		WHERE conversation = ?
		ORDER BY created_at ASC, rowid ASC
	`, conversation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []Message
	for rows.Next() {
		var (
			msg      Message
			metadata string
			created  string
		)
		if err := rows.Scan(&msg.ID, &msg.Conversation, &msg.Role, &msg.Content, &msg.ToolCallID, &metadata, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
			return nil, err
		}
		if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, err
		}
		history = append(history, msg)
	}
	return history, rows.Err()
}

// Replace implements Store. The swap is transactional.
func (s *SQLiteStore) Replace(ctx context.Context, conversation string, messages []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation = ?`, conversation); err != nil {
		return err
	}
	for _, msg := range messages {
		metadata, err := encodeMetadata(msg.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_messages (
				id, conversation, role, content, tool_call_id, metadata_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			msg.ID, conversation, msg.Role, msg.Content, msg.ToolCallID, metadata, normalizeTime(msg.CreatedAt),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, conversation string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation = ?`, conversation)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func normalizeTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var _ Store = (*SQLiteStore)(nil)
