// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full kernel configuration. Values are layered:
// built-in defaults, then the YAML file, then LOOM_* environment
// variables (LOOM_BACKEND_MODEL -> backend.model).
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Backend   BackendConfig   `koanf:"backend"`
	Kernel    KernelConfig    `koanf:"kernel"`
	Timeouts  TimeoutConfig   `koanf:"timeouts"`
	MCP       MCPConfig       `koanf:"mcp"`
	Security  SecurityConfig  `koanf:"security"`
	Memory    MemoryConfig    `koanf:"memory"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

// BackendConfig selects and parameterizes the model backend.
type BackendConfig struct {
	Provider    string  `koanf:"provider"` // ollama, openai, mock
	Model       string  `koanf:"model"`
	BaseURL     string  `koanf:"base_url"`
	APIKey      string  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
}

// KernelConfig holds the turn-execution parameters that the kernel
// may also change at runtime through UpdateParameters.
type KernelConfig struct {
	MaxConcurrentToolCalls int           `koanf:"max_concurrent_tool_calls"`
	MaxToolIterations      int           `koanf:"max_tool_iterations"` // 0 = unbounded
	ShutdownTimeout        time.Duration `koanf:"shutdown_timeout"`
}

type TimeoutConfig struct {
	ModelCall time.Duration `koanf:"model_call"`
	ToolCall  time.Duration `koanf:"tool_call"`
	Connect   time.Duration `koanf:"connect"`
}

// MCPServerConfig declares one upstream MCP server the bridge connects to.
type MCPServerConfig struct {
	Name      string            `koanf:"name"`
	Transport string            `koanf:"transport"` // stdio, http
	Command   string            `koanf:"command"`
	Args      []string          `koanf:"args"`
	Env       map[string]string `koanf:"env"`
	URL       string            `koanf:"url"`
	Headers   map[string]string `koanf:"headers"`
}

// MCPServeConfig parameterizes the server role: exposing the local
// registry to external MCP clients.
type MCPServeConfig struct {
	Addr       string `koanf:"addr"`
	Credential string `koanf:"credential"` // empty: generate at startup
}

type MCPConfig struct {
	Servers []MCPServerConfig `koanf:"servers"`
	Serve   MCPServeConfig    `koanf:"serve"`
}

// SecurityConfig restricts which registered tools turns may invoke.
// An empty allowlist permits everything not denied.
type SecurityConfig struct {
	AllowTools []string `koanf:"allow_tools"`
	DenyTools  []string `koanf:"deny_tools"`
}

type MemoryConfig struct {
	Backend    string `koanf:"backend"` // inmemory, sqlite
	Path       string `koanf:"path"`
	CharBudget int    `koanf:"char_budget"`
}

type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Exporter string `koanf:"exporter"` // stdout, otlp
	Endpoint string `koanf:"endpoint"` // OTLP gRPC endpoint
	Insecure bool   `koanf:"insecure"` // plaintext OTLP transport
}

// Load reads configuration from the optional YAML file at path, then
// overlays LOOM_* environment variables. Each call uses a fresh koanf
// instance so concurrent loads never observe each other's state.
func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithProfile loads the base file and then overlays the profile
// variant next to it (config.yaml + dev -> config.dev.yaml). A missing
// profile file is not an error; the base config stands alone.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI loads configuration honoring --config <path>,
// --profile <name>, and repeated --set key=value flags. --set overrides
// take precedence over file and environment values. Values starting
// with '{' or '[' are parsed as JSON for structured keys.
func LoadWithCLI(args []string) (*Config, error) {
	var path, profile string
	var sets []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				return nil, errors.New("--config requires a value")
			}
			i++
			path = args[i]
		case "--profile":
			if i+1 >= len(args) {
				return nil, errors.New("--profile requires a value")
			}
			i++
			profile = args[i]
		case "--set":
			if i+1 >= len(args) {
				return nil, errors.New("--set requires key=value")
			}
			i++
			sets = append(sets, args[i])
		}
	}

	overrides := make(map[string]any, len(sets))
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("malformed --set %q, want key=value", s)
		}
		overrides[key] = parseOverride(value)
	}

	return load(path, profile, overrides)
}

func parseOverride(value string) any {
	if strings.HasPrefix(value, "{") || strings.HasPrefix(value, "[") {
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return v
		}
	}
	return value
}

func load(path, profile string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	setDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if profile != "" {
			profilePath := profileVariant(path, profile)
			// The profile file is an optional overlay.
			if err := k.Load(file.Provider(profilePath), yaml.Parser()); err != nil && !isNotExist(err) {
				return nil, fmt.Errorf("load profile %s: %w", profilePath, err)
			}
		}
	}

	if err := k.Load(env.Provider("LOOM_", ".", envKey), nil); err != nil {
		return nil, err
	}

	for key, value := range overrides {
		k.Set(key, value)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("backend.provider", "ollama")
	k.Set("backend.model", "qwen2.5-coder:7b-instruct-q5_K_M")
	k.Set("backend.base_url", "http://localhost:11434")
	k.Set("backend.temperature", 0.2)

	k.Set("kernel.max_concurrent_tool_calls", 4)
	k.Set("kernel.max_tool_iterations", 8)
	k.Set("kernel.shutdown_timeout", "30s")

	k.Set("timeouts.model_call", "120s")
	k.Set("timeouts.tool_call", "30s")
	k.Set("timeouts.connect", "10s")

	k.Set("mcp.serve.addr", "localhost:8900")

	k.Set("memory.backend", "inmemory")
	k.Set("memory.char_budget", 16000)

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.insecure", true)
}

// envKey maps LOOM_BACKEND_MODEL to backend.model. Only the first
// underscore becomes a section separator so multi-word keys like
// kernel.max_tool_iterations keep their underscores. The nested
// mcp.serve section is the one two-level exception.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "LOOM_"))
	if rest, ok := strings.CutPrefix(s, "mcp_serve_"); ok {
		return "mcp.serve." + rest
	}
	return strings.Replace(s, "_", ".", 1)
}

func profileVariant(path, profile string) string {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	base := filepath.Base(path)
	name := base[:len(base)-len(ext)]
	return filepath.Join(dir, name+"."+profile+ext)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
