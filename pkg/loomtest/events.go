// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package loomtest provides helpers for asserting on turn event
// sequences in tests.
package loomtest

import (
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/core"
)

// DefaultCollectTimeout bounds how long Collect waits for a turn to
// produce its terminal event.
const DefaultCollectTimeout = 5 * time.Second

// Collect drains a turn's event channel until it closes, failing the
// test if no terminal event arrives within the timeout.
func Collect(t *testing.T, events <-chan core.TurnEvent) []core.TurnEvent {
	t.Helper()
	var collected []core.TurnEvent
	deadline := time.After(DefaultCollectTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return collected
			}
			collected = append(collected, ev)
		case <-deadline:
			t.Fatalf("turn did not terminate in %s; got %v", DefaultCollectTimeout, Types(collected))
			return collected
		}
	}
}

// Types projects an event sequence to its type tags.
func Types(events []core.TurnEvent) []core.TurnEventType {
	types := make([]core.TurnEventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

// Terminal asserts the sequence ends with exactly one terminal event
// and returns it.
func Terminal(t *testing.T, events []core.TurnEvent) core.TurnEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	terminals := 0
	for _, ev := range events {
		if ev.Type.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d in %v", terminals, Types(events))
	}
	last := events[len(events)-1]
	if !last.Type.Terminal() {
		t.Fatalf("terminal event is not last: %v", Types(events))
	}
	return last
}

// Finished asserts the turn finished and returns its outcome.
func Finished(t *testing.T, events []core.TurnEvent) core.TurnOutcome {
	t.Helper()
	last := Terminal(t, events)
	if last.Type != core.TurnEventFinished {
		t.Fatalf("expected FINISHED, got %s (%v)", last.Type, last.Err)
	}
	if last.Outcome == nil {
		t.Fatal("FINISHED event missing outcome")
	}
	return *last.Outcome
}

// Errored asserts the turn errored and returns the cause.
func Errored(t *testing.T, events []core.TurnEvent) error {
	t.Helper()
	last := Terminal(t, events)
	if last.Type != core.TurnEventError {
		t.Fatalf("expected ERROR, got %s", last.Type)
	}
	if last.Err == nil {
		t.Fatal("ERROR event missing cause")
	}
	return last.Err
}

// Requests flattens every TOOL_CALL_REQUEST batch into one slice.
func Requests(events []core.TurnEvent) []core.ToolCall {
	var calls []core.ToolCall
	for _, ev := range events {
		if ev.Type == core.TurnEventToolCallRequest {
			calls = append(calls, ev.Calls...)
		}
	}
	return calls
}

// Responses collects every TOOL_CALL_RESPONSE result.
func Responses(events []core.TurnEvent) []core.ToolResult {
	var results []core.ToolResult
	for _, ev := range events {
		if ev.Type == core.TurnEventToolCallResponse && ev.Result != nil {
			results = append(results, *ev.Result)
		}
	}
	return results
}

// Content concatenates every CONTENT fragment in order.
func Content(events []core.TurnEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == core.TurnEventContent {
			b.WriteString(ev.Content)
		}
	}
	return b.String()
}

// AssertCorrelated asserts every requested call has exactly one
// response matched by call identity.
func AssertCorrelated(t *testing.T, events []core.TurnEvent) {
	t.Helper()
	responses := make(map[string]int)
	for _, r := range Responses(events) {
		responses[r.CallID]++
	}
	calls := Requests(events)
	if len(responses) != len(calls) {
		t.Errorf("expected %d responses, got %d", len(calls), len(responses))
	}
	for _, call := range calls {
		if responses[call.ID] != 1 {
			t.Errorf("call %s (%s) has %d responses", call.ID, call.Name, responses[call.ID])
		}
	}
}
