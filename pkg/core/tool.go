package core

import (
	"context"

	"github.com/google/uuid"
)

// ToolCall is a single tool invocation requested by the model.
// The ID is unique per request and is used to correlate the eventual
// ToolResult back to this call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// NewToolCall builds a tool call with a generated ID.
func NewToolCall(name string, args map[string]any) ToolCall {
	return ToolCall{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: args,
	}
}

// ToolResult is the outcome of exactly one dispatched ToolCall.
// Content is the machine-consumable projection fed back to the model;
// Display is the human-operator projection.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	Display string
	Success bool
	Error   string
}

// Executor runs a tool. Implementations may be local callables or
// remote-delegated; the turn manager does not distinguish.
type Executor interface {
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, args map[string]any) (ToolResult, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	return f(ctx, args)
}

// ToolDefinition describes an invocable tool: a unique name, display
// metadata fed to the model during tool selection, a JSON parameter
// schema, and the execution capability behind it.
type ToolDefinition struct {
	Name        string
	DisplayName string
	Description string
	// Schema is the JSON Schema for the tool's arguments, as a decoded
	// document. A nil schema means arguments are not validated.
	Schema map[string]any
	// Executor runs the tool. Local tools carry an in-process callable,
	// remote tools carry a bridge-backed adapter.
	Executor Executor
}

// TextResult builds a successful result whose model and display
// projections are the same text.
func TextResult(call ToolCall, text string) ToolResult {
	return ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: text,
		Display: text,
		Success: true,
	}
}

// FailedResult builds an unsuccessful result carrying error detail.
// Tool failures are data, not control-flow faults: they re-enter the
// conversation so the model can react.
func FailedResult(call ToolCall, detail string) ToolResult {
	return ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: detail,
		Display: detail,
		Success: false,
		Error:   detail,
	}
}
