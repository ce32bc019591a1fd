package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	def := writeFile(t, dir, "default.yaml", "agent:\n  name: redeye\n")
	cfg, paths, err := Load(def, "", "")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 path, got %d", len(paths))
	}
	if cfg.Agent.MaxIterations != 8 {
		t.Fatalf("expected default max_iterations 8, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Executor.MaxOutputBytes != 2<<20 {
		t.Fatalf("expected default max_output_bytes, got %d", cfg.Executor.MaxOutputBytes)
	}
	if cfg.Gate.AssumeYes {
		t.Fatalf("assume_yes must default to false")
	}
}

func TestLoadLayerPrecedence(t *testing.T) {
	dir := t.TempDir()
	def := writeFile(t, dir, "default.yaml", `
agent:
  max_iterations: 4
executor:
  timeout_seconds: 60
gate:
  cooldown_seconds: 90
`)
	profile := writeFile(t, dir, "profile.yaml", `
executor:
  timeout_seconds: 10
`)
	session := writeFile(t, dir, "session.yaml", `
gate:
  assume_yes: true
`)
	cfg, paths, err := Load(def, profile, session)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 paths, got %d", len(paths))
	}
	if cfg.Agent.MaxIterations != 4 {
		t.Fatalf("default layer lost: %d", cfg.Agent.MaxIterations)
	}
	if cfg.Executor.TimeoutSeconds != 10 {
		t.Fatalf("profile layer should override timeout, got %d", cfg.Executor.TimeoutSeconds)
	}
	if !cfg.Gate.AssumeYes {
		t.Fatalf("session layer should set assume_yes")
	}
	if cfg.Gate.CooldownSeconds != 90 {
		t.Fatalf("unrelated default key lost: %d", cfg.Gate.CooldownSeconds)
	}
}

func TestLoadMissingOptionalLayer(t *testing.T) {
	dir := t.TempDir()
	def := writeFile(t, dir, "default.yaml", "agent: {}\n")
	if _, _, err := Load(def, filepath.Join(dir, "absent.yaml"), ""); err != nil {
		t.Fatalf("missing optional layer must not fail: %v", err)
	}
}

func TestLoadMissingDefaultFails(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := Load(filepath.Join(dir, "nope.yaml"), "", ""); err == nil {
		t.Fatalf("expected error for missing default layer")
	}
}

func TestValidateRejectsTinyTruncation(t *testing.T) {
	cfg := Config{}
	cfg.Normalize()
	cfg.Executor.MaxOutputBytes = 16
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for tiny max_output_bytes")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{}
	cfg.Normalize()
	cfg.Scope.Networks = []string{"10.0.0.0/8"}
	path := filepath.Join(dir, "out", "config.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	loaded, _, err := Load(path, "", "")
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if len(loaded.Scope.Networks) != 1 || loaded.Scope.Networks[0] != "10.0.0.0/8" {
		t.Fatalf("scope networks lost in round trip: %v", loaded.Scope.Networks)
	}
}
