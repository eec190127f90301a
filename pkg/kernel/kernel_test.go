// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/loomtest"
	"github.com/loomworks/loom/pkg/loop"
)

func testConfig() *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	cfg.Backend.Provider = "mock"
	cfg.Kernel.ShutdownTimeout = 2 * time.Second
	return cfg
}

func registerCalculator(t *testing.T, k *Kernel) {
	t.Helper()
	err := k.Registry().Register(core.ToolDefinition{
		Name:        "calculator",
		Description: "Evaluates arithmetic expressions",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{"type": "string"},
			},
			"required": []any{"expression"},
		},
		Executor: core.ExecutorFunc(func(ctx context.Context, args map[string]any) (core.ToolResult, error) {
			return core.ToolResult{Content: "4", Display: "4", Success: true}, nil
		}),
	})
	if err != nil {
		t.Fatalf("register calculator: %v", err)
	}
}

func startKernel(t *testing.T, provider llm.Provider) *Kernel {
	t.Helper()
	k := New(testConfig(), WithProvider(provider))
	ctx := context.Background()
	if err := k.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := k.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	t.Cleanup(func() {
		if k.State() == StateRunning {
			_ = k.Shutdown(context.Background())
		}
	})
	return k
}

func TestLifecycleTransitions(t *testing.T) {
	k := New(testConfig())
	if k.State() != StateConstructed {
		t.Fatalf("expected constructed, got %s", k.State())
	}

	ctx := context.Background()
	if err := k.Run(ctx); err == nil {
		t.Fatal("run before initialize must fail")
	}

	if err := k.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := k.Initialize(ctx); err == nil {
		t.Fatal("double initialize must fail")
	}

	if err := k.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if k.State() != StateRunning {
		t.Fatalf("expected running, got %s", k.State())
	}

	if err := k.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if k.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", k.State())
	}
	if err := k.Shutdown(ctx); err == nil {
		t.Fatal("double shutdown must fail")
	}
}

func TestUnknownBackendProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Provider = "abacus"
	k := New(cfg)
	err := k.Initialize(context.Background())
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !errors.HasCode(err, errors.CodeValidation) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestSubmitContentTurn(t *testing.T) {
	provider := llm.NewScripted(llm.Text("hello there"))
	k := startKernel(t, provider)

	ch, err := k.Submit(context.Background(), "conv-1", "hi", core.AllowAll())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	events := loomtest.Collect(t, ch)
	outcome := loomtest.Finished(t, events)
	if outcome.Response != "hello there" {
		t.Errorf("unexpected response %q", outcome.Response)
	}
}

func TestSubmitToolTurn(t *testing.T) {
	provider := llm.NewScripted(
		llm.Calls(llm.Call("c1", "calculator", `{"expression":"2+2"}`)),
		llm.Text("the answer is 4"),
	)
	k := startKernel(t, provider)
	registerCalculator(t, k)

	ch, err := k.Submit(context.Background(), "conv-1", "what is 2+2", core.AllowAll())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	events := loomtest.Collect(t, ch)
	loomtest.AssertCorrelated(t, events)

	outcome := loomtest.Finished(t, events)
	if outcome.Response != "the answer is 4" {
		t.Errorf("unexpected response %q", outcome.Response)
	}
	if outcome.ToolCalls != 1 {
		t.Errorf("expected 1 tool call, got %d", outcome.ToolCalls)
	}
}

func TestConversationHistoryCarriesAcrossTurns(t *testing.T) {
	provider := llm.NewScripted(
		llm.Text("first answer"),
		llm.Text("second answer"),
	)
	k := startKernel(t, provider)
	ctx := context.Background()

	ch, err := k.Submit(ctx, "conv-1", "first question", core.AllowAll())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	loomtest.Finished(t, loomtest.Collect(t, ch))

	ch, err = k.Submit(ctx, "conv-1", "second question", core.AllowAll())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	loomtest.Finished(t, loomtest.Collect(t, ch))

	// The second model call must see the first exchange as history.
	req := provider.LastRequest()
	var sawFirst bool
	for _, msg := range req.Messages {
		if msg.Role == llm.RoleAssistant && msg.Content == "first answer" {
			sawFirst = true
		}
	}
	if !sawFirst {
		t.Errorf("second turn did not carry first exchange, messages: %+v", req.Messages)
	}

	history, err := k.Store().History(ctx, "conv-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 4 {
		t.Errorf("expected 4 persisted messages, got %d", len(history))
	}
}

func TestHistoryIsScopedPerConversation(t *testing.T) {
	provider := llm.NewScripted(
		llm.Text("answer a"),
		llm.Text("answer b"),
	)
	k := startKernel(t, provider)
	ctx := context.Background()

	ch, _ := k.Submit(ctx, "conv-a", "question a", core.AllowAll())
	loomtest.Finished(t, loomtest.Collect(t, ch))

	ch, _ = k.Submit(ctx, "conv-b", "question b", core.AllowAll())
	loomtest.Finished(t, loomtest.Collect(t, ch))

	req := provider.LastRequest()
	for _, msg := range req.Messages {
		if strings.Contains(msg.Content, "question a") || strings.Contains(msg.Content, "answer a") {
			t.Errorf("conv-b turn leaked conv-a history: %+v", req.Messages)
		}
	}
}

func TestSubmitBeforeRunFails(t *testing.T) {
	k := New(testConfig())
	if err := k.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := k.Submit(context.Background(), "conv", "hi", core.AllowAll()); err == nil {
		t.Fatal("submit before run must fail")
	}
}

func TestUpdateParameters(t *testing.T) {
	provider := llm.NewScripted(llm.Text("ok"))
	k := startKernel(t, provider)

	iters := 2
	model := "other-model"
	k.UpdateParameters(ParamUpdate{
		MaxToolIterations: &iters,
		Model:             &model,
	})

	ch, err := k.Submit(context.Background(), "conv-1", "hi", core.AllowAll())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	loomtest.Finished(t, loomtest.Collect(t, ch))

	if got := provider.LastRequest().Model; got != "other-model" {
		t.Errorf("expected updated model on next turn, got %q", got)
	}
}

func TestShutdownDrainsInFlightTurn(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	provider := &llm.MockProvider{
		ChatFunc: func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
			close(started)
			<-release
			return &llm.ChatResponse{Content: "slow answer"}, nil
		},
	}
	k := startKernel(t, provider)

	ch, err := k.Submit(context.Background(), "conv-1", "hi", core.AllowAll())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drained := make(chan []core.TurnEvent, 1)
	go func() {
		var events []core.TurnEvent
		for ev := range ch {
			events = append(events, ev)
		}
		drained <- events
	}()

	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- k.Shutdown(context.Background()) }()

	// Shutdown must wait for the in-flight turn.
	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before the turn finished")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	events := <-drained
	outcome := loomtest.Finished(t, events)
	if outcome.Response != "slow answer" {
		t.Errorf("unexpected response %q", outcome.Response)
	}
}

func TestLoopEventHandlers(t *testing.T) {
	provider := llm.NewScripted(llm.Text("ok"))
	k := startKernel(t, provider)

	got := make(chan string, 1)
	k.On("tool.registered", func(ctx context.Context, ev loop.Event) {
		got <- ev.Payload.(string)
	})
	if err := k.Emit(loop.NewEvent("tool.registered", "calculator")); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case payload := <-got:
		if payload != "calculator" {
			t.Errorf("unexpected payload %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}
