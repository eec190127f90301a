// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernel composes the registry, bridge, turn manager, and
// event loop into one lifecycle-managed runtime.
package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/config"
	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/loop"
	"github.com/loomworks/loom/pkg/mcp"
	"github.com/loomworks/loom/pkg/memory"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/resource"
	"github.com/loomworks/loom/pkg/security"
	"github.com/loomworks/loom/pkg/telemetry"
)

// State is a lifecycle phase. Transitions are strictly forward:
// constructed -> initializing -> running -> shutting_down -> stopped.
type State string

const (
	StateConstructed  State = "constructed"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// providerConstructor builds a model backend from its configuration.
type providerConstructor func(cfg config.BackendConfig) (llm.Provider, error)

// providerTable selects the backend implementation by name. New
// backends register a row here rather than subclassing anything.
var providerTable = map[string]providerConstructor{
	"ollama": func(cfg config.BackendConfig) (llm.Provider, error) {
		return llm.NewOllama(cfg.BaseURL), nil
	},
	"openai": func(cfg config.BackendConfig) (llm.Provider, error) {
		return llm.NewOpenAI(cfg.BaseURL, cfg.APIKey), nil
	},
	"mock": func(cfg config.BackendConfig) (llm.Provider, error) {
		return &llm.MockProvider{Response: "ok"}, nil
	},
}

// Option customizes a Kernel before Initialize.
type Option func(*Kernel)

// WithProvider overrides the configured model backend.
func WithProvider(p llm.Provider) Option {
	return func(k *Kernel) { k.provider = p }
}

// WithStore overrides the configured conversation store.
func WithStore(s memory.Store) Option {
	return func(k *Kernel) { k.store = s }
}

// WithKernelLogger sets the logger.
func WithKernelLogger(log *slog.Logger) Option {
	return func(k *Kernel) {
		if log != nil {
			k.log = log
		}
	}
}

// WithTelemetryFlush registers a flush function invoked during
// shutdown, after turns have drained.
func WithTelemetryFlush(fn func(context.Context) error) Option {
	return func(k *Kernel) { k.telemetryFlush = fn }
}

// Kernel owns the component graph and its lifecycle.
type Kernel struct {
	rc  *config.ReloadableConfig
	log *slog.Logger

	registry  *registry.Registry
	bridge    *mcp.Bridge
	provider  llm.Provider
	limiter   *resource.Limiter
	filter    *security.ToolFilter
	store     memory.Store
	compactor *memory.Compactor
	metrics   *telemetry.KernelMetrics
	loop      *loop.Loop

	telemetryFlush func(context.Context) error

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New constructs a kernel around an explicit configuration value.
// Nothing is wired until Initialize.
func New(cfg *config.Config, opts ...Option) *Kernel {
	k := &Kernel{
		rc:    config.NewReloadableConfig(cfg),
		log:   slog.Default(),
		state: StateConstructed,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// State returns the current lifecycle phase.
func (k *Kernel) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Registry exposes the tool registry for local tool registration and
// for the bridge server role.
func (k *Kernel) Registry() *registry.Registry {
	return k.registry
}

// Bridge exposes the protocol bridge client.
func (k *Kernel) Bridge() *mcp.Bridge {
	return k.bridge
}

// Store exposes the conversation store.
func (k *Kernel) Store() memory.Store {
	return k.store
}

// Initialize wires the model backend, registry, bridge, and event
// loop. It connects to every configured MCP server and imports its
// tool catalogue into the registry.
func (k *Kernel) Initialize(ctx context.Context) error {
	k.mu.Lock()
	if k.state != StateConstructed {
		state := k.state
		k.mu.Unlock()
		return errors.New(errors.CodeInternal,
			fmt.Sprintf("initialize from state %s", state), nil)
	}
	k.state = StateInitializing
	k.mu.Unlock()

	cfg := k.rc.Get()

	if k.provider == nil {
		construct, ok := providerTable[cfg.Backend.Provider]
		if !ok {
			return errors.New(errors.CodeValidation,
				fmt.Sprintf("unknown backend provider %q", cfg.Backend.Provider), nil)
		}
		provider, err := construct(cfg.Backend)
		if err != nil {
			return err
		}
		k.provider = provider
	}

	k.registry = registry.New()
	k.limiter = resource.NewLimiter(cfg.Kernel.MaxConcurrentToolCalls)
	k.filter = security.NewToolFilter(
		security.WithAllowlist(cfg.Security.AllowTools),
		security.WithDenylist(cfg.Security.DenyTools),
	)

	if k.store == nil {
		store, err := openStore(cfg.Memory)
		if err != nil {
			return err
		}
		k.store = store
	}
	k.compactor = memory.NewCompactor(k.store, k.provider,
		memory.WithCharBudget(cfg.Memory.CharBudget),
		memory.WithCompactorLogger(k.log),
	)

	metrics, err := telemetry.NewKernelMetrics(k.limiter)
	if err != nil {
		return err
	}
	k.metrics = metrics

	k.bridge = mcp.NewBridge(
		mcp.WithCallTimeout(cfg.Timeouts.ToolCall),
		mcp.WithLogger(k.log),
	)
	for _, server := range cfg.MCP.Servers {
		if err := k.connectServer(ctx, server, cfg.Timeouts); err != nil {
			k.bridge.Close()
			return err
		}
	}

	k.loop = loop.New(k.runner(), loop.WithLoopLogger(k.log))

	k.log.Info("kernel initialized",
		"backend", cfg.Backend.Provider,
		"tools", k.registry.Len(),
		"servers", len(cfg.MCP.Servers),
	)
	return nil
}

func (k *Kernel) connectServer(ctx context.Context, server config.MCPServerConfig, timeouts config.TimeoutConfig) error {
	ep := mcp.Endpoint{
		Transport:   mcp.Transport(server.Transport),
		Command:     server.Command,
		Args:        server.Args,
		Env:         server.Env,
		URL:         server.URL,
		Headers:     server.Headers,
		CallTimeout: timeouts.ToolCall,
	}

	connectCtx := ctx
	if timeouts.Connect > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, timeouts.Connect)
		defer cancel()
	}

	if _, err := k.bridge.Connect(connectCtx, server.Name, ep); err != nil {
		return err
	}
	if _, err := k.bridge.ImportTools(ctx, server.Name, k.registry, k.filter); err != nil {
		return err
	}
	return nil
}

// Run starts the event loop. The running flag flips only after
// initialization has completed.
func (k *Kernel) Run(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != StateInitializing {
		return errors.New(errors.CodeInternal,
			fmt.Sprintf("run from state %s", k.state), nil)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.loopDone = make(chan struct{})
	go func() {
		defer close(k.loopDone)
		k.loop.Run(loopCtx)
	}()

	k.state = StateRunning
	k.log.Info("kernel running")
	return nil
}

// Submit enqueues one turn for the conversation and returns its event
// stream. Turns in the same conversation run one at a time.
func (k *Kernel) Submit(ctx context.Context, conversation, text string, policy core.ToolPolicy) (<-chan core.TurnEvent, error) {
	if k.State() != StateRunning {
		return nil, errors.New(errors.CodeInternal, "kernel is not running", nil)
	}
	prompt := core.NewPrompt(text, policy, nil)
	return k.loop.Submit(ctx, conversation, prompt)
}

// On registers a handler for named events on the kernel's loop.
func (k *Kernel) On(eventType string, handler loop.Handler) {
	k.loop.On(eventType, handler)
}

// Emit posts a named event to the kernel's loop.
func (k *Kernel) Emit(event loop.Event) error {
	return k.loop.Emit(event)
}

// ParamUpdate names the runtime-mutable parameters. Nil fields are
// left unchanged. The tool concurrency cap is fixed at initialization.
type ParamUpdate struct {
	MaxToolIterations *int
	Model             *string
	Temperature       *float64
	ToolCallTimeout   *time.Duration
	ModelCallTimeout  *time.Duration
}

// UpdateParameters applies a runtime parameter change. Turns already
// in flight keep the values they started with.
func (k *Kernel) UpdateParameters(update ParamUpdate) {
	cfg := *k.rc.Get()
	if update.MaxToolIterations != nil {
		cfg.Kernel.MaxToolIterations = *update.MaxToolIterations
	}
	if update.Model != nil {
		cfg.Backend.Model = *update.Model
	}
	if update.Temperature != nil {
		cfg.Backend.Temperature = *update.Temperature
	}
	if update.ToolCallTimeout != nil {
		cfg.Timeouts.ToolCall = *update.ToolCallTimeout
	}
	if update.ModelCallTimeout != nil {
		cfg.Timeouts.ModelCall = *update.ModelCallTimeout
	}
	k.rc.Update(&cfg)
	k.log.Info("kernel parameters updated",
		"max_tool_iterations", cfg.Kernel.MaxToolIterations,
		"model", cfg.Backend.Model,
	)
}

// BindWatcher applies configuration reloads to the runtime-mutable
// parameter set.
func (k *Kernel) BindWatcher(w *config.Watcher) {
	w.OnChange(func(cfg *config.Config) {
		current := k.rc.Get()
		if cfg.Kernel.MaxConcurrentToolCalls != current.Kernel.MaxConcurrentToolCalls {
			k.log.Warn("tool concurrency cap change requires restart",
				"configured", cfg.Kernel.MaxConcurrentToolCalls,
				"active", current.Kernel.MaxConcurrentToolCalls,
			)
		}
		k.UpdateParameters(ParamUpdate{
			MaxToolIterations: &cfg.Kernel.MaxToolIterations,
			Model:             &cfg.Backend.Model,
			Temperature:       &cfg.Backend.Temperature,
			ToolCallTimeout:   &cfg.Timeouts.ToolCall,
			ModelCallTimeout:  &cfg.Timeouts.ModelCall,
		})
	})
}

// Shutdown drains in-flight turns within the configured timeout, then
// releases bridge sessions and flushes telemetry. Safe to call once.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if k.state != StateRunning {
		state := k.state
		k.mu.Unlock()
		return errors.New(errors.CodeInternal,
			fmt.Sprintf("shutdown from state %s", state), nil)
	}
	k.state = StateShuttingDown
	cancel := k.cancel
	loopDone := k.loopDone
	k.mu.Unlock()

	k.log.Info("kernel shutting down")
	cancel()

	drainCtx := ctx
	if timeout := k.rc.Kernel().ShutdownTimeout; timeout > 0 {
		var cancelDrain context.CancelFunc
		drainCtx, cancelDrain = context.WithTimeout(ctx, timeout)
		defer cancelDrain()
	}

	var drainErr error
	if err := k.loop.Drain(drainCtx); err != nil {
		drainErr = err
		k.log.Warn("shutdown drain incomplete", "error", err)
	}
	<-loopDone

	k.bridge.Close()

	if closer, ok := k.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			k.log.Warn("store close failed", "error", err)
		}
	}

	if k.telemetryFlush != nil {
		if err := k.telemetryFlush(ctx); err != nil {
			k.log.Warn("telemetry flush failed", "error", err)
		}
	}

	k.mu.Lock()
	k.state = StateStopped
	k.mu.Unlock()
	k.log.Info("kernel stopped")
	return drainErr
}

func openStore(cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Backend {
	case "", "inmemory":
		return memory.NewInMemoryStore(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, errors.New(errors.CodeValidation, "memory.path is required for the sqlite backend", nil)
		}
		return memory.OpenSQLiteStore(cfg.Path)
	default:
		return nil, errors.New(errors.CodeValidation,
			fmt.Sprintf("unknown memory backend %q", cfg.Backend), nil)
	}
}
