// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
)

// RemoteExecutor delegates execution to a bridge session. Remote
// faults surface as failed results rather than errors so the
// conversation can continue.
type RemoteExecutor struct {
	bridge *Bridge
	server string
	tool   string
}

// NewRemoteExecutor builds an executor for one remote tool.
func NewRemoteExecutor(bridge *Bridge, server, tool string) *RemoteExecutor {
	return &RemoteExecutor{bridge: bridge, server: server, tool: tool}
}

// Execute implements core.Executor.
func (r *RemoteExecutor) Execute(ctx context.Context, args map[string]any) (core.ToolResult, error) {
	result, err := r.bridge.CallTool(ctx, r.server, r.tool, args)
	if err != nil {
		if errors.HasCode(err, errors.CodeCancelled) {
			// Cancellation terminates the turn, not the tool.
			return core.ToolResult{}, err
		}
		return core.ToolResult{
			Name:    r.tool,
			Content: fmt.Sprintf("tool %s unavailable: %v", r.tool, err),
			Display: fmt.Sprintf("tool %s unavailable", r.tool),
			Error:   err.Error(),
		}, nil
	}
	return r.convert(result), nil
}

func (r *RemoteExecutor) convert(result *mcp.CallToolResult) core.ToolResult {
	text := extractText(result.Content)
	if result.StructuredContent != nil {
		if encoded, err := json.Marshal(result.StructuredContent); err == nil {
			text = string(encoded)
		}
	}
	if result.IsError {
		return core.ToolResult{
			Name:    r.tool,
			Content: text,
			Display: text,
			Error:   text,
		}
	}
	return core.ToolResult{
		Name:    r.tool,
		Content: text,
		Display: text,
		Success: true,
	}
}

var _ core.Executor = (*RemoteExecutor)(nil)
