// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory stores ordered conversation history across turns.
package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/llm"
)

// Message is a single unit of conversation history.
type Message struct {
	ID           string            `json:"id"`
	Conversation string            `json:"conversation"`
	Role         string            `json:"role"` // system, user, assistant, tool
	Content      string            `json:"content"`
	ToolCallID   string            `json:"tool_call_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// NewMessage builds a message stamped with an ID and creation time.
func NewMessage(conversation, role, content string) Message {
	return Message{
		ID:           uuid.NewString(),
		Conversation: conversation,
		Role:         role,
		Content:      content,
		CreatedAt:    time.Now().UTC(),
	}
}

// Store keeps ordered conversation history.
type Store interface {
	// Append adds a message to its conversation.
	Append(ctx context.Context, msg Message) error

	// History returns a conversation's messages in creation order.
	History(ctx context.Context, conversation string) ([]Message, error)

	// Replace swaps a conversation's history wholesale. Used by
	// compaction.
	Replace(ctx context.Context, conversation string, messages []Message) error

	// Clear removes a conversation's history. Absent conversations
	// are a no-op.
	Clear(ctx context.Context, conversation string) error
}

// ToChatMessages projects stored history into backend messages.
func ToChatMessages(history []Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		out = append(out, llm.Message{
			Role:       llm.Role(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		})
	}
	return out
}
