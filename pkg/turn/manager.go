// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package turn drives one conversational turn: model call, tool-call
// dispatch, results fed back, repeated until the model finishes.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/resource"
	"github.com/loomworks/loom/pkg/security"
)

// DefaultMaxToolIterations bounds tool-call round trips per turn.
const DefaultMaxToolIterations = 8

// Observer receives turn lifecycle notifications. Implementations
// must be safe for concurrent use.
type Observer interface {
	TurnStarted(ctx context.Context)
	TurnFinished(ctx context.Context, outcome core.TurnOutcome, elapsed time.Duration)
	TurnErrored(ctx context.Context, code errors.ErrorCode, elapsed time.Duration)
	ToolCallDone(ctx context.Context, tool string, success bool, elapsed time.Duration)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLimiter gates concurrent tool executions process-wide.
func WithLimiter(l *resource.Limiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// WithFilter enforces tool authorization at dispatch time.
func WithFilter(f *security.ToolFilter) Option {
	return func(m *Manager) { m.filter = f }
}

// WithMaxToolIterations caps tool-call round trips per turn. Zero
// means unbounded. When the budget runs out the manager makes one
// final model call with tools withheld so the turn still finishes.
func WithMaxToolIterations(n int) Option {
	return func(m *Manager) { m.maxIterations = n }
}

// WithModel sets the backend model name on requests.
func WithModel(model string) Option {
	return func(m *Manager) { m.model = model }
}

// WithTemperature sets the sampling temperature on requests.
func WithTemperature(t float64) Option {
	return func(m *Manager) { m.temperature = t }
}

// WithHistory seeds the conversation with prior messages.
func WithHistory(history []llm.Message) Option {
	return func(m *Manager) { m.history = history }
}

// WithLogger sets the manager logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithObserver attaches a lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(m *Manager) { m.observer = obs }
}

// Manager owns the lifecycle of single turns. It is stateless across
// turns and safe for concurrent Run calls.
type Manager struct {
	provider llm.Provider
	registry *registry.Registry
	limiter  *resource.Limiter
	filter   *security.ToolFilter
	observer Observer
	log      *slog.Logger

	model         string
	temperature   float64
	maxIterations int
	history       []llm.Message
}

// New creates a turn manager over a provider and registry.
func New(provider llm.Provider, reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		provider:      provider,
		registry:      reg,
		maxIterations: DefaultMaxToolIterations,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run executes one turn. The returned channel yields the turn's
// ordered event sequence and is closed after the terminal event.
// Cancellation of ctx aborts the turn at its next suspension point
// with a CANCELLED terminal error.
func (m *Manager) Run(ctx context.Context, prompt core.Prompt) <-chan core.TurnEvent {
	events := make(chan core.TurnEvent, 16)
	go func() {
		defer close(events)
		m.run(ctx, prompt, events)
	}()
	return events
}

func (m *Manager) run(ctx context.Context, prompt core.Prompt, events chan<- core.TurnEvent) {
	start := time.Now()
	turnID := prompt.ID
	ctx = core.WithTurnID(ctx, turnID)

	if m.observer != nil {
		m.observer.TurnStarted(ctx)
	}

	emit := func(ev core.TurnEvent) {
		events <- ev
	}
	fail := func(code errors.ErrorCode, msg string, cause error) {
		ev := core.NewTurnEvent(core.TurnEventError, turnID)
		ev.Err = errors.New(code, msg, cause)
		emit(ev)
		if m.observer != nil {
			m.observer.TurnErrored(ctx, code, time.Since(start))
		}
		m.log.Warn("turn errored", "turn", turnID, "code", code, "cause", cause)
	}

	messages := m.buildMessages(prompt)
	offered := m.offeredTools(prompt.Policy)
	executed := make(map[string]core.ToolResult)

	var (
		usage      core.Usage
		response   strings.Builder
		totalCalls int
		iterations int
	)

	for {
		withheld := m.maxIterations > 0 && iterations >= m.maxIterations
		tools := offered
		if withheld {
			m.log.Debug("tool budget exhausted, withholding tools", "turn", turnID)
			tools = nil
		}

		resp, err := m.callModel(ctx, turnID, messages, tools, events)
		if err != nil {
			if ctx.Err() != nil || errors.HasCode(err, errors.CodeCancelled) {
				fail(errors.CodeCancelled, "turn canceled awaiting model", err)
			} else {
				fail(errors.CodeBackend, "model call failed", err)
			}
			return
		}
		usage.Add(core.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		})
		response.WriteString(resp.Content)

		if len(resp.ToolCalls) == 0 || withheld {
			ev := core.NewTurnEvent(core.TurnEventFinished, turnID)
			ev.Outcome = &core.TurnOutcome{
				Response:  response.String(),
				ToolCalls: totalCalls,
				Usage:     usage,
			}
			emit(ev)
			if m.observer != nil {
				m.observer.TurnFinished(ctx, *ev.Outcome, time.Since(start))
			}
			return
		}

		calls, err := decodeCalls(resp.ToolCalls)
		if err != nil {
			fail(errors.CodeBackend, "malformed tool calls from backend", err)
			return
		}

		reqEv := core.NewTurnEvent(core.TurnEventToolCallRequest, turnID)
		reqEv.Calls = calls
		emit(reqEv)

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, err := m.dispatch(ctx, turnID, calls, executed, events)
		if err != nil {
			fail(errors.CodeCancelled, "turn canceled awaiting tool results", err)
			return
		}
		totalCalls += len(calls)

		// Results re-enter the conversation in call order so the
		// model sees a stable transcript regardless of completion
		// order.
		byID := make(map[string]core.ToolResult, len(results))
		for _, r := range results {
			byID[r.CallID] = r
		}
		for _, call := range calls {
			r := byID[call.ID]
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    r.Content,
				ToolCallID: r.CallID,
			})
		}
		iterations++
	}
}

// callModel performs one backend request, emitting CONTENT events in
// arrival order. Streaming providers are consumed incrementally;
// one-shot providers yield a single fragment.
func (m *Manager) callModel(ctx context.Context, turnID string, messages []llm.Message, tools []llm.Tool, events chan<- core.TurnEvent) (*llm.ChatResponse, error) {
	req := llm.ChatRequest{
		Model:       m.model,
		Messages:    messages,
		Tools:       tools,
		Temperature: m.temperature,
	}

	emitContent := func(text string) {
		if text == "" {
			return
		}
		ev := core.NewTurnEvent(core.TurnEventContent, turnID)
		ev.Content = text
		events <- ev
	}

	sp, streaming := m.provider.(llm.StreamingProvider)
	if !streaming {
		resp, err := m.provider.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		emitContent(resp.Content)
		return resp, nil
	}

	chunks, err := sp.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}
	resp := &llm.ChatResponse{}
	for {
		select {
		case <-ctx.Done():
			return nil, errors.New(errors.CodeCancelled, "canceled awaiting model increment", ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				return resp, nil
			}
			if chunk.Error != nil {
				return nil, chunk.Error
			}
			emitContent(chunk.Content)
			resp.Content += chunk.Content
			if chunk.Done {
				resp.ToolCalls = chunk.ToolCalls
				if chunk.Usage != nil {
					resp.Usage = *chunk.Usage
				}
			}
		}
	}
}

// dispatch runs a batch of calls concurrently, bounded by the
// limiter, and emits one TOOL_CALL_RESPONSE per call in completion
// order. Calls identical to one already executed this turn are
// answered from the recorded result. The only error returned is
// cancellation.
func (m *Manager) dispatch(ctx context.Context, turnID string, calls []core.ToolCall, executed map[string]core.ToolResult, events chan<- core.TurnEvent) ([]core.ToolResult, error) {
	resultCh := make(chan core.ToolResult, len(calls))
	keys := make(map[string]string, len(calls))

	for _, call := range calls {
		key := callKey(call)
		keys[call.ID] = key

		if prev, ok := executed[key]; ok {
			m.log.Debug("suppressing duplicate tool call", "turn", turnID, "tool", call.Name)
			repeat := prev
			repeat.CallID = call.ID
			resultCh <- repeat
			continue
		}

		go func(call core.ToolCall) {
			resultCh <- m.execute(ctx, call)
		}(call)
	}

	results := make([]core.ToolResult, 0, len(calls))
	for range calls {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case result := <-resultCh:
			executed[keys[result.CallID]] = result
			ev := core.NewTurnEvent(core.TurnEventToolCallResponse, turnID)
			r := result
			ev.Result = &r
			events <- ev
			results = append(results, result)
		}
	}
	return results, nil
}

// execute runs one call end to end. Every failure mode local to the
// call becomes a failed result; the conversation continues.
func (m *Manager) execute(ctx context.Context, call core.ToolCall) core.ToolResult {
	start := time.Now()
	result := m.executeInner(ctx, call)
	if m.observer != nil {
		m.observer.ToolCallDone(ctx, call.Name, result.Success, time.Since(start))
	}
	return result
}

func (m *Manager) executeInner(ctx context.Context, call core.ToolCall) core.ToolResult {
	if m.filter != nil {
		if decision := m.filter.IsAllowed(call.Name); !decision.Allowed {
			return core.FailedResult(call, fmt.Sprintf("tool %s not permitted: %s", call.Name, decision.Reason))
		}
	}

	def, ok := m.registry.Get(call.Name)
	if !ok {
		return core.FailedResult(call, fmt.Sprintf("%s: tool %s is not registered", errors.CodeToolNotFound, call.Name))
	}
	if err := m.registry.Validate(call.Name, call.Arguments); err != nil {
		return core.FailedResult(call, err.Error())
	}

	if m.limiter != nil {
		if err := m.limiter.Acquire(ctx); err != nil {
			return core.FailedResult(call, "tool execution canceled before start")
		}
		defer m.limiter.Release()
	}

	result, err := def.Executor.Execute(ctx, call.Arguments)
	if err != nil {
		return core.FailedResult(call, err.Error())
	}
	result.CallID = call.ID
	result.Name = call.Name
	return result
}

func (m *Manager) buildMessages(prompt core.Prompt) []llm.Message {
	messages := make([]llm.Message, 0, len(m.history)+2)
	messages = append(messages, m.history...)

	if len(prompt.Context) > 0 {
		keys := make([]string, 0, len(prompt.Context))
		for k := range prompt.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, prompt.Context[k])
		}
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: b.String()})
	}

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt.Text})
	return messages
}

// offeredTools projects the registry through the prompt's policy and
// the security filter into backend tool declarations.
func (m *Manager) offeredTools(policy core.ToolPolicy) []llm.Tool {
	if policy.Kind == core.ToolPolicyNone {
		return nil
	}
	var tools []llm.Tool
	for def := range m.registry.List() {
		if !policy.Permits(def.Name) {
			continue
		}
		if m.filter != nil && !m.filter.IsAllowed(def.Name).Allowed {
			continue
		}
		var params any = def.Schema
		if def.Schema == nil {
			params = map[string]any{"type": "object"}
		}
		tools = append(tools, llm.Tool{
			Type: llm.ToolTypeFunction,
			Function: llm.FunctionDef{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// decodeCalls turns backend tool-call requests into correlated calls
// with unique identities.
func decodeCalls(raw []llm.ToolCall) ([]core.ToolCall, error) {
	calls := make([]core.ToolCall, 0, len(raw))
	for _, tc := range raw {
		args, err := tc.DecodeArguments()
		if err != nil {
			return nil, err
		}
		call := core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		}
		if call.ID == "" {
			call = core.NewToolCall(call.Name, call.Arguments)
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// callKey is the duplicate-suppression identity: tool name plus
// canonical argument JSON.
func callKey(call core.ToolCall) string {
	encoded, err := json.Marshal(call.Arguments)
	if err != nil {
		return call.Name
	}
	return call.Name + ":" + string(encoded)
}
