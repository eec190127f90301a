package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type turnIDKey struct{}
type conversationIDKey struct{}

// WithConversationID attaches a conversation id to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, id)
}

// ConversationID returns the conversation id if present.
func ConversationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(conversationIDKey{}).(string)
	return id, ok
}

// WithTurnID attaches a turn id to the context.
func WithTurnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, id)
}

// TurnID returns the turn id if present.
func TurnID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(turnIDKey{}).(string)
	return id, ok
}

// EnsureTurnID ensures a turn id exists in the context.
func EnsureTurnID(ctx context.Context) (context.Context, string) {
	if id, ok := TurnID(ctx); ok {
		return ctx, id
	}
	id := newTurnID()
	return WithTurnID(ctx, id), id
}

func newTurnID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "turn-unknown"
	}
	return "turn-" + hex.EncodeToString(buf)
}
