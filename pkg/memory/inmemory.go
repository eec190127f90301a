// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
)

// InMemoryStore is a process-local Store. Safe for concurrent use.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]Message
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{conversations: make(map[string][]Message)}
}

// Append implements Store.
func (s *InMemoryStore) Append(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[msg.Conversation] = append(s.conversations[msg.Conversation], msg)
	return nil
}

// History implements Store.
func (s *InMemoryStore) History(_ context.Context, conversation string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.conversations[conversation]
	out := make([]Message, len(history))
	copy(out, history)
	return out, nil
}

// Replace implements Store.
func (s *InMemoryStore) Replace(_ context.Context, conversation string, messages []Message) error {
	replacement := make([]Message, len(messages))
	copy(replacement, messages)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversation] = replacement
	return nil
}

// Clear implements Store.
func (s *InMemoryStore) Clear(_ context.Context, conversation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversation)
	return nil
}

var _ Store = (*InMemoryStore)(nil)
