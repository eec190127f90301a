// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration for the kernel:
// exporter setup, a trace-aware slog handler, and span attributes.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for kernel telemetry. These follow OpenTelemetry
// naming conventions where applicable.
const (
	// Turn attributes
	AttrTurnID         = "loom.turn.id"
	AttrConversationID = "loom.conversation.id"
	AttrTurnIteration  = "loom.turn.iteration"
	AttrTurnMaxIter    = "loom.turn.max_iterations"

	// Tool attributes
	AttrToolName       = "loom.tool.name"
	AttrToolCallID     = "loom.tool.call_id"
	AttrToolArgs       = "loom.tool.arguments"
	AttrToolResult     = "loom.tool.result"
	AttrToolDurationMs = "loom.tool.duration_ms"
	AttrToolSuccess    = "loom.tool.success"
	AttrToolSource     = "loom.tool.source" // "local", "mcp"

	// Tool set attributes
	AttrToolsCount    = "loom.tools.count"
	AttrToolsNames    = "loom.tools.names"
	AttrToolsMCPCount = "loom.tools.mcp_count"

	// Model backend attributes (extending standard gen_ai conventions)
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMProvider     = "gen_ai.system"
	AttrLLMMessages     = "gen_ai.request.messages"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMToolCalls    = "gen_ai.tool_calls"

	// Event attributes
	AttrEventType = "loom.event.type"
)

// TurnAttributes returns common attributes for turn spans.
func TurnAttributes(turnID, conversationID string, iteration, maxIter int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrTurnID, turnID),
	}
	if conversationID != "" {
		attrs = append(attrs, attribute.String(AttrConversationID, conversationID))
	}
	if iteration > 0 {
		attrs = append(attrs, attribute.Int(AttrTurnIteration, iteration))
	}
	if maxIter > 0 {
		attrs = append(attrs, attribute.Int(AttrTurnMaxIter, maxIter))
	}
	return attrs
}

// ToolCallAttributes returns attributes for a tool call span.
func ToolCallAttributes(name, callID, source string, durationMs float64, success bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.String(AttrToolCallID, callID),
		attribute.String(AttrToolSource, source),
		attribute.Float64(AttrToolDurationMs, durationMs),
		attribute.Bool(AttrToolSuccess, success),
	}
}

// ToolCallArgsResult returns attributes with tool arguments and result,
// truncated so oversized payloads never land in spans.
func ToolCallArgsResult(args, result string, maxLen int) []attribute.KeyValue {
	if maxLen <= 0 {
		maxLen = 500
	}
	attrs := []attribute.KeyValue{}
	if args != "" {
		if len(args) > maxLen {
			args = args[:maxLen] + "..."
		}
		attrs = append(attrs, attribute.String(AttrToolArgs, args))
	}
	if result != "" {
		if len(result) > maxLen {
			result = result[:maxLen] + "..."
		}
		attrs = append(attrs, attribute.String(AttrToolResult, result))
	}
	return attrs
}

// ToolsetAttributes returns attributes describing the registered tools.
func ToolsetAttributes(total, mcp int, names []string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrToolsCount, total),
		attribute.Int(AttrToolsMCPCount, mcp),
	}
	if len(names) > 0 {
		attrs = append(attrs, attribute.StringSlice(AttrToolsNames, names))
	}
	return attrs
}

// LLMAttributes returns attributes for model call spans.
func LLMAttributes(model, provider string, msgCount, toolCallCount int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMMessages, msgCount),
	}
	if provider != "" {
		attrs = append(attrs, attribute.String(AttrLLMProvider, provider))
	}
	if toolCallCount > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMToolCalls, toolCallCount))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if inputTokens > 0 || outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens))
	}
	return attrs
}
