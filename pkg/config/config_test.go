package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backend.Provider != "ollama" {
		t.Errorf("expected default provider ollama, got %s", cfg.Backend.Provider)
	}
	if cfg.Backend.Model != "qwen2.5-coder:7b-instruct-q5_K_M" {
		t.Errorf("expected default model qwen2.5..., got %s", cfg.Backend.Model)
	}
	if cfg.Kernel.MaxConcurrentToolCalls != 4 {
		t.Errorf("expected 4 concurrent tool calls, got %d", cfg.Kernel.MaxConcurrentToolCalls)
	}
	if cfg.Kernel.MaxToolIterations != 8 {
		t.Errorf("expected iteration budget 8, got %d", cfg.Kernel.MaxToolIterations)
	}
	if cfg.Kernel.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected 30s shutdown timeout, got %v", cfg.Kernel.ShutdownTimeout)
	}
	if cfg.Timeouts.ToolCall != 30*time.Second {
		t.Errorf("expected 30s tool call timeout, got %v", cfg.Timeouts.ToolCall)
	}
	if cfg.Memory.Backend != "inmemory" {
		t.Errorf("expected inmemory memory backend, got %s", cfg.Memory.Backend)
	}
	if cfg.MCP.Serve.Addr != "localhost:8900" {
		t.Errorf("unexpected serve addr %s", cfg.MCP.Serve.Addr)
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	content := `
backend:
  provider: openai
  model: gpt-4o-mini
  base_url: https://api.example.com/v1
  api_key: sk-test
kernel:
  max_tool_iterations: 3
  shutdown_timeout: 5s
timeouts:
  tool_call: 12s
mcp:
  servers:
    - name: calc
      transport: stdio
      command: calc-server
      args: ["--fast"]
      env:
        CALC_MODE: strict
    - name: remote
      transport: http
      url: http://localhost:9000/mcp
      headers:
        Authorization: Bearer abc
memory:
  backend: sqlite
  path: /tmp/loom.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backend.Provider != "openai" || cfg.Backend.APIKey != "sk-test" {
		t.Errorf("backend section not loaded: %+v", cfg.Backend)
	}
	if cfg.Kernel.MaxToolIterations != 3 {
		t.Errorf("expected iteration budget 3, got %d", cfg.Kernel.MaxToolIterations)
	}
	if cfg.Kernel.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected 5s shutdown timeout, got %v", cfg.Kernel.ShutdownTimeout)
	}
	if cfg.Timeouts.ToolCall != 12*time.Second {
		t.Errorf("expected 12s tool call timeout, got %v", cfg.Timeouts.ToolCall)
	}
	// File does not touch model_call, the default stands.
	if cfg.Timeouts.ModelCall != 120*time.Second {
		t.Errorf("expected default model call timeout, got %v", cfg.Timeouts.ModelCall)
	}

	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.MCP.Servers))
	}
	calc := cfg.MCP.Servers[0]
	if calc.Name != "calc" || calc.Transport != "stdio" || calc.Command != "calc-server" {
		t.Errorf("unexpected stdio server: %+v", calc)
	}
	if len(calc.Args) != 1 || calc.Args[0] != "--fast" {
		t.Errorf("unexpected args: %v", calc.Args)
	}
	if calc.Env["CALC_MODE"] != "strict" {
		t.Errorf("unexpected env: %v", calc.Env)
	}
	remote := cfg.MCP.Servers[1]
	if remote.Transport != "http" || remote.URL != "http://localhost:9000/mcp" {
		t.Errorf("unexpected http server: %+v", remote)
	}
	if remote.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("unexpected headers: %v", remote.Headers)
	}

	if cfg.Memory.Backend != "sqlite" || cfg.Memory.Path != "/tmp/loom.db" {
		t.Errorf("memory section not loaded: %+v", cfg.Memory)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("LOOM_BACKEND_PROVIDER", "openai")
	t.Setenv("LOOM_KERNEL_MAX_TOOL_ITERATIONS", "2")
	t.Setenv("LOOM_MCP_SERVE_ADDR", "127.0.0.1:7700")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backend.Provider != "openai" {
		t.Errorf("expected provider openai from env, got %s", cfg.Backend.Provider)
	}
	if cfg.Kernel.MaxToolIterations != 2 {
		t.Errorf("expected iteration budget 2 from env, got %d", cfg.Kernel.MaxToolIterations)
	}
	if cfg.MCP.Serve.Addr != "127.0.0.1:7700" {
		t.Errorf("expected serve addr from env, got %s", cfg.MCP.Serve.Addr)
	}
}

func TestEnvKeyMapping(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"LOOM_LOG_LEVEL", "log.level"},
		{"LOOM_BACKEND_BASE_URL", "backend.base_url"},
		{"LOOM_KERNEL_MAX_CONCURRENT_TOOL_CALLS", "kernel.max_concurrent_tool_calls"},
		{"LOOM_MCP_SERVE_CREDENTIAL", "mcp.serve.credential"},
		{"LOOM_MEMORY_CHAR_BUDGET", "memory.char_budget"},
	}
	for _, tc := range tests {
		if got := envKey(tc.in); got != tc.want {
			t.Errorf("envKey(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestLoadWithProfile(t *testing.T) {
	tmpDir := t.TempDir()

	baseConfig := `
backend:
  provider: "ollama"
  model: "llama3.1"
log:
  level: "info"
`
	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte(baseConfig), 0o644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	devConfig := `
backend:
  provider: "mock"
log:
  level: "debug"
`
	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	if err := os.WriteFile(devPath, []byte(devConfig), 0o644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	prodConfig := `
backend:
  provider: "openai"
log:
  level: "warn"
`
	prodPath := filepath.Join(tmpDir, "config.prod.yaml")
	if err := os.WriteFile(prodPath, []byte(prodConfig), 0o644); err != nil {
		t.Fatalf("failed to write prod config: %v", err)
	}

	tests := []struct {
		name         string
		profile      string
		wantProvider string
		wantLogLevel string
		wantModel    string
	}{
		{
			name:         "no profile - base only",
			profile:      "",
			wantProvider: "ollama",
			wantLogLevel: "info",
			wantModel:    "llama3.1",
		},
		{
			name:         "dev profile",
			profile:      "dev",
			wantProvider: "mock",
			wantLogLevel: "debug",
			wantModel:    "llama3.1", // not overridden in dev
		},
		{
			name:         "prod profile",
			profile:      "prod",
			wantProvider: "openai",
			wantLogLevel: "warn",
			wantModel:    "llama3.1", // not overridden in prod
		},
		{
			name:         "nonexistent profile - falls back to base",
			profile:      "staging",
			wantProvider: "ollama",
			wantLogLevel: "info",
			wantModel:    "llama3.1",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}
			if cfg.Backend.Provider != tc.wantProvider {
				t.Errorf("provider = %s, want %s", cfg.Backend.Provider, tc.wantProvider)
			}
			if cfg.Log.Level != tc.wantLogLevel {
				t.Errorf("log level = %s, want %s", cfg.Log.Level, tc.wantLogLevel)
			}
			if cfg.Backend.Model != tc.wantModel {
				t.Errorf("model = %s, want %s", cfg.Backend.Model, tc.wantModel)
			}
		})
	}
}
