// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package turn

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/loomtest"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/resource"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()

	calculator := core.ToolDefinition{
		Name:        "calculator",
		Description: "Evaluates arithmetic expressions.",
		Executor: core.ExecutorFunc(func(ctx context.Context, args map[string]any) (core.ToolResult, error) {
			return core.ToolResult{Content: "4", Display: "4", Success: true}, nil
		}),
	}
	website := core.ToolDefinition{
		Name:        "website_check",
		Description: "Checks whether a URL is reachable.",
		Executor: core.ExecutorFunc(func(ctx context.Context, args map[string]any) (core.ToolResult, error) {
			return core.ToolResult{Content: "site is up", Display: "up", Success: true}, nil
		}),
	}
	for _, def := range []core.ToolDefinition{calculator, website} {
		if err := reg.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Name, err)
		}
	}
	return reg
}

func TestContentOnlyTurn(t *testing.T) {
	provider := llm.NewScripted(llm.Text("hello there"))
	m := New(provider, newTestRegistry(t))

	prompt := core.NewPrompt("hi", core.AllowAll(), nil)
	events := loomtest.Collect(t, m.Run(context.Background(), prompt))

	types := loomtest.Types(events)
	if len(types) != 2 || types[0] != core.TurnEventContent || types[1] != core.TurnEventFinished {
		t.Fatalf("expected CONTENT then FINISHED, got %v", types)
	}

	outcome := loomtest.Finished(t, events)
	if outcome.Response != "hello there" {
		t.Errorf("unexpected response: %q", outcome.Response)
	}
	if outcome.ToolCalls != 0 {
		t.Errorf("expected 0 tool calls, got %d", outcome.ToolCalls)
	}
}

func TestTwoToolScenario(t *testing.T) {
	provider := llm.NewScripted(
		llm.Calls(
			llm.Call("c1", "calculator", `{"expression":"2+2"}`),
			llm.Call("c2", "website_check", `{"url":"https://example.com"}`),
		),
		llm.Text("2+2 is 4 and the site is up"),
	)
	m := New(provider, newTestRegistry(t))

	prompt := core.NewPrompt("What is 2+2 and then check site X", core.AllowAll(), nil)
	events := loomtest.Collect(t, m.Run(context.Background(), prompt))

	calls := loomtest.Requests(events)
	if len(calls) != 2 {
		t.Fatalf("expected 2 requested calls, got %d", len(calls))
	}
	loomtest.AssertCorrelated(t, events)

	outcome := loomtest.Finished(t, events)
	if outcome.ToolCalls != 2 {
		t.Errorf("expected 2 tool calls in outcome, got %d", outcome.ToolCalls)
	}
	if !strings.Contains(outcome.Response, "4") || !strings.Contains(outcome.Response, "up") {
		t.Errorf("response does not reference results: %q", outcome.Response)
	}

	// Usage is summed across both model calls.
	if outcome.Usage.TotalTokens != 40 {
		t.Errorf("expected accumulated usage 40, got %d", outcome.Usage.TotalTokens)
	}
}

func TestGhostToolContinuesTurn(t *testing.T) {
	provider := llm.NewScripted(
		llm.Calls(llm.Call("c1", "ghost_tool", `{}`)),
		llm.Text("that tool does not exist"),
	)
	m := New(provider, newTestRegistry(t))

	prompt := core.NewPrompt("use ghost_tool", core.AllowAll(), nil)
	events := loomtest.Collect(t, m.Run(context.Background(), prompt))

	responses := loomtest.Responses(events)
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if responses[0].Success {
		t.Error("expected failed result for unregistered tool")
	}
	if !strings.Contains(responses[0].Error, string(errors.CodeToolNotFound)) {
		t.Errorf("expected TOOL_NOT_FOUND detail, got %q", responses[0].Error)
	}

	loomtest.Finished(t, events)
}

func TestInvalidArgumentsContinueTurn(t *testing.T) {
	reg := registry.New()
	err := reg.Register(core.ToolDefinition{
		Name: "calculator",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{"type": "string"},
			},
			"required": []any{"expression"},
		},
		Executor: core.ExecutorFunc(func(ctx context.Context, args map[string]any) (core.ToolResult, error) {
			t.Error("executor must not run for invalid arguments")
			return core.ToolResult{}, nil
		}),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	provider := llm.NewScripted(
		llm.Calls(llm.Call("c1", "calculator", `{"expression":42}`)),
		llm.Text("arguments were wrong"),
	)
	m := New(provider, reg)

	events := loomtest.Collect(t, m.Run(context.Background(), core.NewPrompt("calc", core.AllowAll(), nil)))
	responses := loomtest.Responses(events)
	if len(responses) != 1 || responses[0].Success {
		t.Fatalf("expected one failed response, got %+v", responses)
	}
	loomtest.Finished(t, events)
}

func TestBackendErrorTerminatesTurn(t *testing.T) {
	provider := &llm.FailingMockProvider{}
	m := New(provider, newTestRegistry(t))

	events := loomtest.Collect(t, m.Run(context.Background(), core.NewPrompt("hi", core.AllowAll(), nil)))
	err := loomtest.Errored(t, events)
	if !errors.HasCode(err, errors.CodeBackend) {
		t.Errorf("expected BACKEND_ERROR, got %v", err)
	}
}

func TestCancellationDuringToolAwait(t *testing.T) {
	reg := registry.New()
	started := make(chan struct{})
	release := make(chan struct{})
	err := reg.Register(core.ToolDefinition{
		Name: "slow_tool",
		Executor: core.ExecutorFunc(func(ctx context.Context, args map[string]any) (core.ToolResult, error) {
			close(started)
			select {
			case <-ctx.Done():
				return core.ToolResult{}, ctx.Err()
			case <-release:
			}
			return core.ToolResult{Success: true}, nil
		}),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer close(release)

	provider := llm.NewScripted(
		llm.Calls(llm.Call("c1", "slow_tool", `{}`)),
		llm.Text("never reached"),
	)
	limiter := resource.NewLimiter(2)
	m := New(provider, reg, WithLimiter(limiter))

	ctx, cancel := context.WithCancel(context.Background())
	eventCh := m.Run(ctx, core.NewPrompt("slow", core.AllowAll(), nil))

	<-started
	cancel()

	events := loomtest.Collect(t, eventCh)
	turnErr := loomtest.Errored(t, events)
	if !errors.HasCode(turnErr, errors.CodeCancelled) {
		t.Errorf("expected CANCELLED, got %v", turnErr)
	}

	// Limiter slots drain once the executor observes cancellation;
	// subsequent turns are not starved.
	deadline := time.Now().Add(2 * time.Second)
	for limiter.InFlight() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("limiter slots not released: %d in flight", limiter.InFlight())
		}
		time.Sleep(5 * time.Millisecond)
	}

	next := llm.NewScripted(llm.Text("still alive"))
	m2 := New(next, reg, WithLimiter(limiter))
	loomtest.Finished(t, loomtest.Collect(t, m2.Run(context.Background(), core.NewPrompt("hi", core.AllowNone(), nil))))
}

func TestConcurrencyCapHolds(t *testing.T) {
	const limit = 2
	const calls = 8

	var inFlight, peak atomic.Int64
	reg := registry.New()
	err := reg.Register(core.ToolDefinition{
		Name: "counter",
		Executor: core.ExecutorFunc(func(ctx context.Context, args map[string]any) (core.ToolResult, error) {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			return core.ToolResult{Success: true}, nil
		}),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	batch := make([]llm.ToolCall, 0, calls)
	for i := 0; i < calls; i++ {
		// Distinct arguments so no call is answered from the
		// duplicate-suppression record.
		batch = append(batch, llm.Call("", "counter", `{"n":`+string(rune('0'+i))+`}`))
	}
	provider := llm.NewScripted(llm.Calls(batch...), llm.Text("done"))
	m := New(provider, reg, WithLimiter(resource.NewLimiter(limit)))

	events := loomtest.Collect(t, m.Run(context.Background(), core.NewPrompt("count", core.AllowAll(), nil)))
	loomtest.Finished(t, events)
	loomtest.AssertCorrelated(t, events)

	if got := peak.Load(); got > limit {
		t.Errorf("concurrency cap violated: peak %d > %d", got, limit)
	}
}

func TestIterationBudgetWithholdsTools(t *testing.T) {
	provider := llm.NewScripted(
		llm.Calls(llm.Call("c1", "calculator", `{"expression":"1"}`)),
		llm.Calls(llm.Call("c2", "calculator", `{"expression":"2"}`)),
		llm.Text("stopping here"),
	)
	m := New(provider, newTestRegistry(t), WithMaxToolIterations(2))

	events := loomtest.Collect(t, m.Run(context.Background(), core.NewPrompt("loop", core.AllowAll(), nil)))
	loomtest.Finished(t, events)

	if provider.CallCount != 3 {
		t.Fatalf("expected 3 model calls, got %d", provider.CallCount)
	}
	// The final call past the budget carries no tools.
	final := provider.Requests[2]
	if len(final.Tools) != 0 {
		t.Errorf("expected tools withheld on final call, got %d", len(final.Tools))
	}
	if len(provider.Requests[0].Tools) == 0 {
		t.Error("expected tools offered on first call")
	}
}

func TestDuplicateCallSuppression(t *testing.T) {
	var executions atomic.Int32
	reg := registry.New()
	err := reg.Register(core.ToolDefinition{
		Name: "lookup",
		Executor: core.ExecutorFunc(func(ctx context.Context, args map[string]any) (core.ToolResult, error) {
			executions.Add(1)
			return core.ToolResult{Content: "answer", Success: true}, nil
		}),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	provider := llm.NewScripted(
		llm.Calls(llm.Call("c1", "lookup", `{"q":"x"}`)),
		llm.Calls(llm.Call("c2", "lookup", `{"q":"x"}`)),
		llm.Text("done"),
	)
	m := New(provider, reg)

	events := loomtest.Collect(t, m.Run(context.Background(), core.NewPrompt("repeat", core.AllowAll(), nil)))
	loomtest.Finished(t, events)
	loomtest.AssertCorrelated(t, events)

	if got := executions.Load(); got != 1 {
		t.Errorf("expected 1 execution for identical calls, got %d", got)
	}
	responses := loomtest.Responses(events)
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}
	for _, r := range responses {
		if r.Content != "answer" || !r.Success {
			t.Errorf("suppressed call not answered from record: %+v", r)
		}
	}
}

func TestToolPolicyNoneOffersNoTools(t *testing.T) {
	provider := llm.NewScripted(llm.Text("no tools"))
	m := New(provider, newTestRegistry(t))

	loomtest.Collect(t, m.Run(context.Background(), core.NewPrompt("hi", core.AllowNone(), nil)))
	if len(provider.LastRequest().Tools) != 0 {
		t.Errorf("expected no tools offered, got %d", len(provider.LastRequest().Tools))
	}
}

func TestToolPolicySelected(t *testing.T) {
	provider := llm.NewScripted(llm.Text("ok"))
	m := New(provider, newTestRegistry(t))

	loomtest.Collect(t, m.Run(context.Background(),
		core.NewPrompt("hi", core.AllowSelected("calculator"), nil)))

	tools := provider.LastRequest().Tools
	if len(tools) != 1 || tools[0].Function.Name != "calculator" {
		t.Errorf("expected only calculator offered, got %v", tools)
	}
}

// streamingScripted wraps a scripted provider and delivers content in
// fixed-size fragments.
type streamingScripted struct {
	*llm.ScriptedProvider
}

func (s *streamingScripted) ChatStream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(resp.Content, " ") {
			if word == "" {
				continue
			}
			out <- llm.StreamChunk{Content: word}
		}
		usage := resp.Usage
		out <- llm.StreamChunk{Done: true, ToolCalls: resp.ToolCalls, Usage: &usage}
	}()
	return out, nil
}

func TestStreamingContentFragments(t *testing.T) {
	provider := &streamingScripted{llm.NewScripted(llm.Text("one two three"))}
	m := New(provider, newTestRegistry(t))

	events := loomtest.Collect(t, m.Run(context.Background(), core.NewPrompt("hi", core.AllowNone(), nil)))

	var fragments int
	for _, ev := range events {
		if ev.Type == core.TurnEventContent {
			fragments++
		}
	}
	if fragments < 2 {
		t.Errorf("expected incremental fragments, got %d", fragments)
	}
	if loomtest.Content(events) != "one two three" {
		t.Errorf("fragments out of order: %q", loomtest.Content(events))
	}
	outcome := loomtest.Finished(t, events)
	if outcome.Response != "one two three" {
		t.Errorf("unexpected aggregate: %q", outcome.Response)
	}
}

func TestEventOrderingPerTurn(t *testing.T) {
	provider := llm.NewScripted(
		llm.Calls(llm.Call("c1", "calculator", `{"expression":"2+2"}`)),
		llm.Text("four"),
	)
	m := New(provider, newTestRegistry(t))

	events := loomtest.Collect(t, m.Run(context.Background(), core.NewPrompt("calc", core.AllowAll(), nil)))

	sawRequest := false
	for _, ev := range events {
		switch ev.Type {
		case core.TurnEventToolCallRequest:
			sawRequest = true
		case core.TurnEventToolCallResponse:
			if !sawRequest {
				t.Fatal("response before request")
			}
		}
	}
	last := events[len(events)-1]
	if !last.Type.Terminal() {
		t.Fatalf("terminal not last: %v", loomtest.Types(events))
	}
}
