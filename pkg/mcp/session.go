// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp bridges the kernel to the Model Context Protocol: a
// client side that imports tools from external MCP servers into the
// registry, and a server side that exposes registered tools to
// external MCP clients.
package mcp

import (
	"maps"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/client"
)

// Transport selects how a bridge session reaches its server.
type Transport string

const (
	// TransportStdio launches the server as a subprocess.
	TransportStdio Transport = "stdio"

	// TransportHTTP dials a streamable HTTP endpoint.
	TransportHTTP Transport = "http"
)

// Endpoint describes one external MCP server. Two endpoints with
// equal parameters are considered the same server for session reuse.
type Endpoint struct {
	Transport Transport

	// Stdio transport.
	Command string
	Args    []string
	Env     map[string]string

	// HTTP transport.
	URL     string
	Headers map[string]string

	// CallTimeout bounds individual tool calls. Zero uses the
	// bridge default.
	CallTimeout time.Duration
}

// Equal reports whether two endpoints address the same server with
// the same parameters. A session is only reusable when this holds.
// The call timeout counts as a parameter: a cached session keeps
// applying its recorded timeout, so a changed one must redial.
func (e Endpoint) Equal(other Endpoint) bool {
	if e.Transport != other.Transport || e.CallTimeout != other.CallTimeout {
		return false
	}
	switch e.Transport {
	case TransportStdio:
		return e.Command == other.Command &&
			slices.Equal(e.Args, other.Args) &&
			maps.Equal(e.Env, other.Env)
	case TransportHTTP:
		return e.URL == other.URL && maps.Equal(e.Headers, other.Headers)
	default:
		return false
	}
}

// Session is one live connection to an external MCP server.
type Session struct {
	Name     string
	Endpoint Endpoint

	client    client.MCPClient
	connected time.Time
}

// ConnectedAt reports when the session was established.
func (s *Session) ConnectedAt() time.Time {
	return s.connected
}
