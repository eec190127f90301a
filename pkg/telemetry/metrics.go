// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/resource"
)

// KernelMetrics tracks turn and tool-call activity. It satisfies the
// turn manager's Observer interface so the kernel can attach it
// directly to every turn.
type KernelMetrics struct {
	turnsStarted  metric.Int64Counter
	turnsFinished metric.Int64Counter
	turnsErrored  metric.Int64Counter
	turnDuration  metric.Float64Histogram
	toolCalls     metric.Int64Counter
	toolDuration  metric.Float64Histogram
	tokensUsed    metric.Int64Counter
}

// NewKernelMetrics creates the kernel instrument set on the global
// meter. When limiter is non-nil an observable gauge reports the
// number of tool executions currently holding a slot.
func NewKernelMetrics(limiter *resource.Limiter) (*KernelMetrics, error) {
	meter := otel.Meter("loom/kernel")

	turnsStarted, err := meter.Int64Counter(
		"loom.turns.started",
		metric.WithDescription("Turns started"),
	)
	if err != nil {
		return nil, err
	}

	turnsFinished, err := meter.Int64Counter(
		"loom.turns.finished",
		metric.WithDescription("Turns that reached FINISHED"),
	)
	if err != nil {
		return nil, err
	}

	turnsErrored, err := meter.Int64Counter(
		"loom.turns.errored",
		metric.WithDescription("Turns that terminated with an error, by code"),
	)
	if err != nil {
		return nil, err
	}

	turnDuration, err := meter.Float64Histogram(
		"loom.turn.duration_ms",
		metric.WithDescription("Wall time per turn in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	toolCalls, err := meter.Int64Counter(
		"loom.tool_calls.total",
		metric.WithDescription("Tool executions by tool and outcome"),
	)
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram(
		"loom.tool_call.duration_ms",
		metric.WithDescription("Tool execution time in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	tokensUsed, err := meter.Int64Counter(
		"loom.tokens.total",
		metric.WithDescription("Tokens consumed across model calls"),
	)
	if err != nil {
		return nil, err
	}

	if limiter != nil {
		_, err = meter.Int64ObservableGauge(
			"loom.tool_calls.in_flight",
			metric.WithDescription("Tool executions currently holding a concurrency slot"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(limiter.InFlight()))
				return nil
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	return &KernelMetrics{
		turnsStarted:  turnsStarted,
		turnsFinished: turnsFinished,
		turnsErrored:  turnsErrored,
		turnDuration:  turnDuration,
		toolCalls:     toolCalls,
		toolDuration:  toolDuration,
		tokensUsed:    tokensUsed,
	}, nil
}

// TurnStarted counts a turn entering execution.
func (km *KernelMetrics) TurnStarted(ctx context.Context) {
	if km == nil {
		return
	}
	km.turnsStarted.Add(ctx, 1)
}

// TurnFinished records a successful turn with its token usage.
func (km *KernelMetrics) TurnFinished(ctx context.Context, outcome core.TurnOutcome, elapsed time.Duration) {
	if km == nil {
		return
	}
	km.turnsFinished.Add(ctx, 1)
	km.turnDuration.Record(ctx, float64(elapsed.Milliseconds()))
	if outcome.Usage.TotalTokens > 0 {
		km.tokensUsed.Add(ctx, int64(outcome.Usage.TotalTokens))
	}
}

// TurnErrored records a terminated turn by error code.
func (km *KernelMetrics) TurnErrored(ctx context.Context, code errors.ErrorCode, elapsed time.Duration) {
	if km == nil {
		return
	}
	km.turnsErrored.Add(ctx, 1,
		metric.WithAttributes(attribute.String("error.code", string(code))),
	)
	km.turnDuration.Record(ctx, float64(elapsed.Milliseconds()))
}

// ToolCallDone records one tool execution.
func (km *KernelMetrics) ToolCallDone(ctx context.Context, tool string, success bool, elapsed time.Duration) {
	if km == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	)
	km.toolCalls.Add(ctx, 1, attrs)
	km.toolDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}
