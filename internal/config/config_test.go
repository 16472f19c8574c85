package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
listen:
  port: 9090
models:
  default: claude-sonnet-4-20250514
  provider: anthropic
  anthropic_api_key: ${VALET_TEST_KEY}
tasks:
  url: http://localhost:8001
  token: abc
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("VALET_TEST_KEY", "sk-test")
	defer os.Unsetenv("VALET_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Listen.Port)
	}
	if cfg.Models.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %s", cfg.Models.Provider)
	}
	if cfg.Models.AnthropicAPIKey != "sk-test" {
		t.Errorf("env expansion failed, got %q", cfg.Models.AnthropicAPIKey)
	}
	if cfg.Tasks.URL != "http://localhost:8001" {
		t.Errorf("unexpected tasks url: %s", cfg.Tasks.URL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("unexpected log level: %s", cfg.LogLevel)
	}
}

func TestLoadKeepsDefaultApprovalPartition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 1234\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Approval.Auto) == 0 || len(cfg.Approval.Confirm) == 0 {
		t.Fatalf("default approval partition missing: %+v", cfg.Approval)
	}
}

func TestLoadApprovalOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
approval:
  auto: [list_tasks]
  confirm: [create_task, delete_task]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Approval.Auto) != 1 || cfg.Approval.Auto[0] != "list_tasks" {
		t.Errorf("auto override not applied: %v", cfg.Approval.Auto)
	}
	if len(cfg.Approval.Confirm) != 2 {
		t.Errorf("confirm override not applied: %v", cfg.Approval.Confirm)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if tc.wantErr && err == nil {
			t.Errorf("ParseLogLevel(%q): expected error", tc.in)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
