// Copyright 2026 © The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatcherDetectsChanges(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	initial := `backend:
  provider: ollama
  model: test-model
`
	if err := os.WriteFile(configPath, []byte(initial), 0o644); err != nil {
		t.Fatalf("failed to write initial config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	changes := make(chan *Config, 1)
	watcher.OnChange(func(cfg *Config) {
		changes <- cfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher.Start(ctx)
	defer watcher.Stop()

	if got := watcher.Config().Backend.Model; got != "test-model" {
		t.Errorf("expected model 'test-model', got %q", got)
	}

	// Give the poll loop a tick before mutating the file.
	time.Sleep(100 * time.Millisecond)

	updated := `backend:
  provider: ollama
  model: updated-model
`
	if err := os.WriteFile(configPath, []byte(updated), 0o644); err != nil {
		t.Fatalf("failed to write updated config: %v", err)
	}

	select {
	case newCfg := <-changes:
		if newCfg.Backend.Model != "updated-model" {
			t.Errorf("expected model 'updated-model', got %q", newCfg.Backend.Model)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for config change notification")
	}
}

func TestWatcherMultipleListeners(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("backend:\n  model: v1\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	var count1, count2 atomic.Int32
	watcher.OnChange(func(*Config) { count1.Add(1) })
	watcher.OnChange(func(*Config) { count2.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher.Start(ctx)
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configPath, []byte("backend:\n  model: v2\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if count1.Load() >= 1 && count2.Load() >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("expected both listeners called, got count1=%d, count2=%d", count1.Load(), count2.Load())
}

func TestWatcherStops(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("backend: {}\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	watcher.Start(context.Background())

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("watcher.Stop() did not complete in time")
	}
}

func TestWatcherReloadKeepsLastGoodConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("backend:\n  model: good\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(30*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher.Start(ctx)
	defer watcher.Stop()

	time.Sleep(60 * time.Millisecond)

	// Broken YAML must not clobber the running config.
	if err := os.WriteFile(configPath, []byte("backend: [unclosed\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	if got := watcher.Config().Backend.Model; got != "good" {
		t.Errorf("expected last good config to survive, got model %q", got)
	}
}

func TestReloadableConfig(t *testing.T) {
	cfg1 := &Config{Backend: BackendConfig{Model: "model-1"}, Kernel: KernelConfig{MaxToolIterations: 8}}
	cfg2 := &Config{Backend: BackendConfig{Model: "model-2"}, Kernel: KernelConfig{MaxToolIterations: 2}}

	rc := NewReloadableConfig(cfg1)

	if rc.Backend().Model != "model-1" {
		t.Errorf("expected model-1, got %q", rc.Backend().Model)
	}
	if rc.Kernel().MaxToolIterations != 8 {
		t.Errorf("expected iteration budget 8, got %d", rc.Kernel().MaxToolIterations)
	}

	rc.Update(cfg2)

	if rc.Backend().Model != "model-2" {
		t.Errorf("expected model-2, got %q", rc.Backend().Model)
	}
	if rc.Get().Kernel.MaxToolIterations != 2 {
		t.Errorf("expected iteration budget 2 from Get(), got %d", rc.Get().Kernel.MaxToolIterations)
	}
}

func TestWatchConfig(t *testing.T) {
	tmpDir := t.TempDir()
	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte("backend:\n  model: base\n"), 0o644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, cfg, err := WatchConfig(ctx, basePath, WithWatchInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to watch config: %v", err)
	}
	defer watcher.Stop()

	if cfg.Backend.Model != "base" {
		t.Errorf("expected model 'base', got %q", cfg.Backend.Model)
	}
}
