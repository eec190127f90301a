package main

import (
	"reflect"
	"testing"
)

func TestParseGlobalFlags(t *testing.T) {
	flags, rest, err := parseGlobalFlags([]string{
		"--json",
		"--config", "loom.yaml",
		"--set", "backend.provider=mock",
		"run", "-prompt", "hi",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.JSON {
		t.Error("expected JSON flag")
	}
	wantConfig := []string{"--config", "loom.yaml", "--set", "backend.provider=mock"}
	if !reflect.DeepEqual(flags.ConfigArgs, wantConfig) {
		t.Errorf("config args = %v, want %v", flags.ConfigArgs, wantConfig)
	}
	wantRest := []string{"run", "-prompt", "hi"}
	if !reflect.DeepEqual(rest, wantRest) {
		t.Errorf("rest = %v, want %v", rest, wantRest)
	}
}

func TestParseGlobalFlagsErrors(t *testing.T) {
	if _, _, err := parseGlobalFlags([]string{"--config"}); err == nil {
		t.Error("expected error for dangling --config")
	}
	if _, _, err := parseGlobalFlags([]string{"--bogus"}); err == nil {
		t.Error("expected error for unknown flag")
	}
}

func TestFindConfigPath(t *testing.T) {
	if got := findConfigPath([]string{"--set", "a=b", "--config", "x.yaml"}); got != "x.yaml" {
		t.Errorf("got %q", got)
	}
	if got := findConfigPath(nil); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
