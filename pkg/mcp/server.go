// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomworks/loom/pkg/core"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/security"
)

const serverVersion = "0.1.0"

// ServerOption customizes the bridge server.
type ServerOption func(*Server)

// WithCredential sets the bearer credential required on HTTP
// transport. Weak credentials are rejected at construction.
func WithCredential(credential string) ServerOption {
	return func(s *Server) {
		s.credential = credential
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// Server is the server half of the protocol layer: it exposes the
// tool registry to external MCP clients, plus introspection tools
// under the system namespace.
type Server struct {
	mcpServer  *server.MCPServer
	registry   *registry.Registry
	credential string
	log        *slog.Logger
	started    time.Time
}

// NewServer wraps a registry in an MCP server. When no credential is
// configured one is generated and logged so operators can connect.
func NewServer(reg *registry.Registry, opts ...ServerOption) (*Server, error) {
	s := &Server{
		mcpServer: server.NewMCPServer("loom", serverVersion,
			server.WithToolCapabilities(true)),
		registry: reg,
		log:      slog.Default(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.credential == "" {
		generated, err := security.GenerateCredential()
		if err != nil {
			return nil, fmt.Errorf("generate credential: %w", err)
		}
		s.credential = generated
		s.log.Info("generated bridge credential", "credential", generated)
	} else if err := security.CheckCredentialStrength(s.credential); err != nil {
		return nil, err
	}

	s.registerSystemTools()
	s.SyncTools()
	return s, nil
}

// Credential returns the bearer credential the HTTP transport expects.
func (s *Server) Credential() string {
	return s.credential
}

// SyncTools publishes the registry's current snapshot. Call again
// after registry mutations to refresh the advertised catalogue.
func (s *Server) SyncTools() {
	for _, def := range s.registry.Snapshot() {
		s.addTool(def)
	}
}

func (s *Server) addTool(def core.ToolDefinition) {
	opts := []mcp.ToolOption{mcp.WithDescription(def.Description)}
	if def.Schema != nil {
		if raw, err := json.Marshal(def.Schema); err == nil {
			opts = append(opts, mcp.WithRawInputSchema(raw))
		}
	}
	tool := mcp.NewTool(def.Name, opts...)

	name := def.Name
	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		return s.invoke(ctx, name, args)
	})
}

// invoke resolves and runs a registered tool. Lookup, validation,
// and execution failures all become error results so remote callers
// see data, not protocol faults.
func (s *Server) invoke(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	def, ok := s.registry.Get(name)
	if !ok {
		return errorResult(fmt.Sprintf("tool %s is not registered", name)), nil
	}
	if err := s.registry.Validate(name, args); err != nil {
		return errorResult(err.Error()), nil
	}

	result, err := def.Executor.Execute(ctx, args)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if !result.Success {
		return errorResult(result.Content), nil
	}
	return textResult(result.Content), nil
}

func (s *Server) registerSystemTools() {
	listTool := mcp.NewTool("system.list_tools",
		mcp.WithDescription("Lists every tool currently registered, with descriptions."))
	s.mcpServer.AddTool(listTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		type entry struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		var entries []entry
		for _, def := range s.registry.Snapshot() {
			entries = append(entries, entry{Name: def.Name, Description: def.Description})
		}
		encoded, err := json.Marshal(entries)
		if err != nil {
			return nil, err
		}
		return textResult(string(encoded)), nil
	})

	statusTool := mcp.NewTool("system.status",
		mcp.WithDescription("Reports server uptime and registry size."))
	s.mcpServer.AddTool(statusTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := map[string]any{
			"version":    serverVersion,
			"uptime":     time.Since(s.started).Round(time.Second).String(),
			"tool_count": s.registry.Len(),
		}
		encoded, err := json.Marshal(status)
		if err != nil {
			return nil, err
		}
		return textResult(string(encoded)), nil
	})
}

// ServeStdio serves over stdio. The transport is a trusted local
// pipe, so no credential check applies.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Handler returns the HTTP handler with bearer authentication.
func (s *Server) Handler() http.Handler {
	streamable := server.NewStreamableHTTPServer(s.mcpServer)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !security.VerifyCredential(token, s.credential) {
			s.log.Warn("rejected bridge request", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		streamable.ServeHTTP(w, r)
	})
}

// ListenAndServe serves the authenticated HTTP transport on addr
// until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("bridge server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}
