// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomworks/loom/pkg/llm"
)

const (
	// DefaultCharBudget triggers compaction when a conversation's
	// combined content exceeds it.
	DefaultCharBudget = 16000

	// defaultKeepRecent is how many trailing messages survive
	// compaction untouched.
	defaultKeepRecent = 6

	summaryPrompt = "Summarize the following conversation concisely, preserving facts, decisions and open questions:"
)

// Compactor replaces older history with a model-generated summary
// once a conversation outgrows its character budget.
type Compactor struct {
	store      Store
	provider   llm.Provider
	charBudget int
	keepRecent int
	log        *slog.Logger
}

// CompactorOption customizes a Compactor.
type CompactorOption func(*Compactor)

// WithCharBudget sets the compaction trigger size.
func WithCharBudget(n int) CompactorOption {
	return func(c *Compactor) {
		if n > 0 {
			c.charBudget = n
		}
	}
}

// WithKeepRecent sets how many trailing messages are never summarized.
func WithKeepRecent(n int) CompactorOption {
	return func(c *Compactor) {
		if n > 0 {
			c.keepRecent = n
		}
	}
}

// WithCompactorLogger sets the logger.
func WithCompactorLogger(log *slog.Logger) CompactorOption {
	return func(c *Compactor) {
		if log != nil {
			c.log = log
		}
	}
}

// NewCompactor builds a compactor over a store and summarizing provider.
func NewCompactor(store Store, provider llm.Provider, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		store:      store,
		provider:   provider,
		charBudget: DefaultCharBudget,
		keepRecent: defaultKeepRecent,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compact summarizes the conversation's older history if it exceeds
// the budget. It reports whether compaction ran. A summarization
// failure leaves history untouched.
func (c *Compactor) Compact(ctx context.Context, conversation string) (bool, error) {
	history, err := c.store.History(ctx, conversation)
	if err != nil {
		return false, err
	}
	if historySize(history) <= c.charBudget || len(history) <= c.keepRecent+1 {
		return false, nil
	}

	cut := len(history) - c.keepRecent
	older, recent := history[:cut], history[cut:]

	summary, err := c.summarize(ctx, older)
	if err != nil {
		c.log.Warn("compaction summarization failed", "conversation", conversation, "error", err)
		return false, err
	}

	summaryMsg := NewMessage(conversation, "system", "[Earlier conversation summary]\n"+summary)
	summaryMsg.Metadata = map[string]string{
		"type":             "summary",
		"summarized_count": fmt.Sprintf("%d", len(older)),
	}
	summaryMsg.CreatedAt = older[0].CreatedAt

	replacement := make([]Message, 0, 1+len(recent))
	replacement = append(replacement, summaryMsg)
	replacement = append(replacement, recent...)
	if err := c.store.Replace(ctx, conversation, replacement); err != nil {
		return false, err
	}

	c.log.Info("compacted conversation",
		"conversation", conversation,
		"summarized", len(older),
		"kept", len(recent),
	)
	return true, nil
}

func (c *Compactor) summarize(ctx context.Context, messages []Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	resp, err := c.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: summaryPrompt},
			{Role: llm.RoleUser, Content: transcript.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func historySize(history []Message) int {
	total := 0
	for _, msg := range history {
		total += len(msg.Content)
	}
	return total
}
