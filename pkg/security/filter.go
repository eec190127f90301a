// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package security authorizes tool access and manages bridge
// credentials.
package security

import (
	"path"
	"strings"
)

// Decision is the outcome of a tool authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// ToolFilter provides tool-level access control based on allowlists
// and denylists. Patterns use path.Match syntax; "fs.*" matches every
// tool in the fs namespace.
type ToolFilter struct {
	allowlist map[string]bool
	denylist  map[string]bool
}

// ToolFilterOption configures a ToolFilter.
type ToolFilterOption func(*ToolFilter)

// NewToolFilter creates a new ToolFilter with the given options.
func NewToolFilter(opts ...ToolFilterOption) *ToolFilter {
	tf := &ToolFilter{
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(tf)
	}
	return tf
}

// WithAllowlist sets the allowlist of permitted tool names/patterns.
func WithAllowlist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		for _, tool := range tools {
			tool = strings.TrimSpace(tool)
			if tool != "" {
				tf.allowlist[tool] = true
			}
		}
	}
}

// WithDenylist sets the denylist of forbidden tool names/patterns.
func WithDenylist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		for _, tool := range tools {
			tool = strings.TrimSpace(tool)
			if tool != "" {
				tf.denylist[tool] = true
			}
		}
	}
}

// IsAllowed checks if a tool name is permitted by the filter.
// Evaluation order:
// 1. If denylist matches tool → deny
// 2. If allowlist is non-empty and doesn't match tool → deny
// 3. Otherwise → allow
func (tf *ToolFilter) IsAllowed(toolName string) Decision {
	if tf.matchesList(toolName, tf.denylist) {
		return Decision{Allowed: false, Reason: "tool is in denylist"}
	}
	if len(tf.allowlist) > 0 && !tf.matchesList(toolName, tf.allowlist) {
		return Decision{Allowed: false, Reason: "tool is not in allowlist"}
	}
	return Decision{Allowed: true}
}

// FilterNames returns only the names that pass the filter, preserving
// input order.
func (tf *ToolFilter) FilterNames(names []string) []string {
	if len(tf.allowlist) == 0 && len(tf.denylist) == 0 {
		return names
	}
	filtered := make([]string, 0, len(names))
	for _, name := range names {
		if tf.IsAllowed(name).Allowed {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

func (tf *ToolFilter) matchesList(toolName string, list map[string]bool) bool {
	if list[toolName] {
		return true
	}
	for pattern := range list {
		if !strings.ContainsAny(pattern, "*?[") {
			continue
		}
		if ok, err := path.Match(pattern, toolName); err == nil && ok {
			return true
		}
	}
	return false
}
