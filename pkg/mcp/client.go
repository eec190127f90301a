// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/resilience"
	"github.com/loomworks/loom/pkg/security"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultPingTimeout = 5 * time.Second
	clientName         = "loom-bridge"
	clientVersion      = "0.1.0"
)

// BridgeOption customizes bridge behavior.
type BridgeOption func(*Bridge)

// WithCallTimeout sets the default per-call timeout for remote tools.
func WithCallTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// WithRetry sets the retry policy for bridge requests.
func WithRetry(rc resilience.RetryConfig) BridgeOption {
	return func(b *Bridge) {
		b.retry = rc
	}
}

// WithLogger sets the bridge logger.
func WithLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// withDialer replaces the transport dialer. Used by tests.
func withDialer(dial func(ctx context.Context, ep Endpoint) (client.MCPClient, error)) BridgeOption {
	return func(b *Bridge) {
		b.dial = dial
	}
}

// Bridge is the client half of the protocol layer. It owns one
// session per named server and imports remote tools into a registry.
type Bridge struct {
	mu       sync.Mutex
	sessions map[string]*Session

	callTimeout time.Duration
	retry       resilience.RetryConfig
	log         *slog.Logger
	dial        func(ctx context.Context, ep Endpoint) (client.MCPClient, error)
}

// NewBridge creates a bridge with no sessions.
func NewBridge(opts ...BridgeOption) *Bridge {
	b := &Bridge{
		sessions:    make(map[string]*Session),
		callTimeout: defaultCallTimeout,
		retry:       resilience.DefaultRetryConfig(),
		log:         slog.Default(),
	}
	b.dial = b.dialEndpoint
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect establishes a session to the named server. An existing
// session is reused only when its endpoint parameters are equal and
// it still answers a ping; otherwise it is discarded and redialed.
func (b *Bridge) Connect(ctx context.Context, name string, ep Endpoint) (*Session, error) {
	if name == "" {
		return nil, errors.New(errors.CodeValidation, "server name is required", nil)
	}

	b.mu.Lock()
	existing := b.sessions[name]
	b.mu.Unlock()

	if existing != nil {
		if existing.Endpoint.Equal(ep) && b.alive(ctx, existing) {
			b.log.Debug("reusing bridge session", "server", name)
			return existing, nil
		}
		b.log.Debug("discarding stale bridge session", "server", name)
		b.closeSession(existing)
		b.mu.Lock()
		delete(b.sessions, name)
		b.mu.Unlock()
	}

	var cli client.MCPClient
	err := b.retry.Do(ctx, func() error {
		var dialErr error
		cli, dialErr = b.dial(ctx, ep)
		return dialErr
	})
	if err != nil {
		return nil, errors.New(errors.CodeConnection,
			fmt.Sprintf("connect to %s failed", name), err).
			WithContext("transport", string(ep.Transport)).
			WithRecoverable(true)
	}

	sess := &Session{
		Name:      name,
		Endpoint:  ep,
		client:    cli,
		connected: time.Now(),
	}
	b.mu.Lock()
	b.sessions[name] = sess
	b.mu.Unlock()

	b.log.Info("bridge session established", "server", name, "transport", ep.Transport)
	return sess, nil
}

// Session returns the live session for name, if any.
func (b *Bridge) Session(name string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[name]
	return s, ok
}

// Sessions returns the names of live sessions, sorted.
func (b *Bridge) Sessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.sessions))
	for name := range b.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTools fetches the remote tool catalogue for a connected server.
func (b *Bridge) ListTools(ctx context.Context, server string) ([]mcp.Tool, error) {
	sess, ok := b.Session(server)
	if !ok {
		return nil, errors.New(errors.CodeConnection,
			fmt.Sprintf("no session for server %s", server), nil)
	}

	var tools []mcp.Tool
	err := b.retry.Do(ctx, func() error {
		resp, listErr := sess.client.ListTools(ctx, mcp.ListToolsRequest{})
		if listErr != nil {
			return errors.New(errors.CodeConnection, "list tools failed", listErr).WithRecoverable(true)
		}
		tools = resp.Tools
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// ImportTools registers every allowed remote tool under the name
// "<server>.<tool>". Already-registered names are skipped. It returns
// the names it registered.
func (b *Bridge) ImportTools(ctx context.Context, server string, reg *registry.Registry, filter *security.ToolFilter) ([]string, error) {
	tools, err := b.ListTools(ctx, server)
	if err != nil {
		return nil, err
	}

	var imported []string
	for _, tool := range tools {
		qualified := server + "." + tool.Name
		if filter != nil && !filter.IsAllowed(qualified).Allowed {
			b.log.Debug("tool filtered", "tool", qualified)
			continue
		}
		def := core.ToolDefinition{
			Name:        qualified,
			DisplayName: tool.Name,
			Description: tool.Description,
			Schema:      toolSchema(tool),
			Executor: &RemoteExecutor{
				bridge: b,
				server: server,
				tool:   tool.Name,
			},
		}
		if err := reg.Register(def); err != nil {
			if errors.HasCode(err, errors.CodeDuplicateTool) {
				b.log.Warn("remote tool name collision", "tool", qualified)
				continue
			}
			return imported, err
		}
		imported = append(imported, qualified)
	}

	b.log.Info("imported remote tools", "server", server, "count", len(imported))
	return imported, nil
}

// CallTool invokes a remote tool, bounded by the session's call
// timeout. Transport failures are retried per the bridge policy.
func (b *Bridge) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	sess, ok := b.Session(server)
	if !ok {
		return nil, errors.New(errors.CodeConnection,
			fmt.Sprintf("no session for server %s", server), nil)
	}

	timeout := sess.Endpoint.CallTimeout
	if timeout == 0 {
		timeout = b.callTimeout
	}

	return resilience.WithTimeoutResult(ctx, timeout, func(ctx context.Context) (*mcp.CallToolResult, error) {
		var result *mcp.CallToolResult
		err := b.retry.Do(ctx, func() error {
			req := mcp.CallToolRequest{}
			req.Params.Name = tool
			req.Params.Arguments = args
			resp, callErr := sess.client.CallTool(ctx, req)
			if callErr != nil {
				if ctx.Err() != nil {
					return errors.New(errors.CodeCancelled, "tool call aborted", ctx.Err())
				}
				return errors.New(errors.CodeConnection, "tool call failed", callErr).WithRecoverable(true)
			}
			result = resp
			return nil
		})
		return result, err
	})
}

// Disconnect tears down the named session. Absent names are a no-op.
func (b *Bridge) Disconnect(name string) {
	b.mu.Lock()
	sess, ok := b.sessions[name]
	delete(b.sessions, name)
	b.mu.Unlock()
	if ok {
		b.closeSession(sess)
		b.log.Info("bridge session closed", "server", name)
	}
}

// Close tears down every session.
func (b *Bridge) Close() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*Session)
	b.mu.Unlock()
	for _, sess := range sessions {
		b.closeSession(sess)
	}
}

func (b *Bridge) alive(ctx context.Context, sess *Session) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	return sess.client.Ping(ctx) == nil
}

func (b *Bridge) closeSession(sess *Session) {
	if err := sess.client.Close(); err != nil {
		b.log.Warn("closing bridge session", "server", sess.Name, "error", err)
	}
}

func (b *Bridge) dialEndpoint(ctx context.Context, ep Endpoint) (client.MCPClient, error) {
	var (
		cli *client.Client
		err error
	)
	switch ep.Transport {
	case TransportStdio:
		env := make([]string, 0, len(ep.Env))
		for k, v := range ep.Env {
			env = append(env, k+"="+v)
		}
		cli, err = client.NewStdioMCPClient(ep.Command, env, ep.Args...)
	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(ep.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(ep.Headers))
		}
		cli, err = client.NewStreamableHttpClient(ep.URL, opts...)
	default:
		return nil, errors.New(errors.CodeValidation,
			fmt.Sprintf("unsupported transport %q", ep.Transport), nil)
	}
	if err != nil {
		return nil, err
	}

	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}

// toolSchema yields the remote tool's input schema as a plain map.
func toolSchema(tool mcp.Tool) map[string]any {
	var raw []byte
	if tool.RawInputSchema != nil {
		raw = tool.RawInputSchema
	} else {
		encoded, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil
		}
		raw = encoded
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil
	}
	return schema
}

// extractText joins the text content blocks of a tool result.
func extractText(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
