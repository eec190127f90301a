package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := New(CodeConnection, "dial remote tool server", cause)

	msg := err.Error()
	if !strings.Contains(msg, string(CodeConnection)) {
		t.Errorf("expected code in message, got %q", msg)
	}
	if !strings.Contains(msg, "connection refused") {
		t.Errorf("expected cause in message, got %q", msg)
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := New(CodeBackend, "model call failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestWithContextChaining(t *testing.T) {
	err := New(CodeToolNotFound, "no such tool", nil).
		WithContext("tool", "ghost_tool").
		WithRecoverable(true)

	if err.Context["tool"] != "ghost_tool" {
		t.Errorf("expected context value, got %v", err.Context["tool"])
	}
	if !err.Recoverable {
		t.Error("expected recoverable flag set")
	}
}

func TestAsLoomError(t *testing.T) {
	plain := stderrors.New("plain")
	wrapped := AsLoomError(plain)
	if wrapped.Code != CodeInternal {
		t.Errorf("expected CodeInternal for foreign error, got %s", wrapped.Code)
	}

	typed := New(CodeAuth, "rejected", nil)
	if AsLoomError(typed) != typed {
		t.Error("expected identity for LoomError input")
	}

	if AsLoomError(nil) != nil {
		t.Error("expected nil for nil input")
	}
}

func TestHasCode(t *testing.T) {
	err := New(CodeCancelled, "turn aborted", nil)
	if !HasCode(err, CodeCancelled) {
		t.Error("expected HasCode to match")
	}
	if HasCode(err, CodeTimeout) {
		t.Error("expected HasCode to reject other codes")
	}
	if HasCode(nil, CodeTimeout) {
		t.Error("expected HasCode false for nil")
	}
}
