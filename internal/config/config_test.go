package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = "backend:\n  subprocess:\n    command: /bin/cat\n"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steward.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/steward.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "steward.yaml"), []byte(minimalYAML), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "steward.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "steward.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Backend.Kind != BackendSubprocess {
		t.Errorf("backend.kind = %q, want %q", cfg.Backend.Kind, BackendSubprocess)
	}
	if cfg.Timeouts.Startup != 15*time.Second {
		t.Errorf("timeouts.startup = %v, want 15s", cfg.Timeouts.Startup)
	}
	if cfg.Scheduler.Tick != time.Second {
		t.Errorf("scheduler.tick = %v, want 1s", cfg.Scheduler.Tick)
	}
	if !cfg.Monitoring.Enabled {
		t.Error("monitoring should be enabled by default")
	}
	if cfg.Monitoring.MaxAutoPrompts != 3 {
		t.Errorf("monitoring.max_auto_prompts = %d, want 3", cfg.Monitoring.MaxAutoPrompts)
	}
	if want := filepath.Join("db", "task_plans.json"); cfg.Plans.Path != want {
		t.Errorf("plans.path = %q, want %q", cfg.Plans.Path, want)
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+"timeouts:\n  read: 90s\n  lookahead: 250ms\nscheduler:\n  tick: 2s\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Timeouts.Read != 90*time.Second {
		t.Errorf("timeouts.read = %v, want 90s", cfg.Timeouts.Read)
	}
	if cfg.Timeouts.Lookahead != 250*time.Millisecond {
		t.Errorf("timeouts.lookahead = %v, want 250ms", cfg.Timeouts.Lookahead)
	}
	if cfg.Timeouts.Startup != 15*time.Second {
		t.Errorf("timeouts.startup = %v, want default 15s", cfg.Timeouts.Startup)
	}
	if cfg.Scheduler.Tick != 2*time.Second {
		t.Errorf("scheduler.tick = %v, want 2s", cfg.Scheduler.Tick)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("STEWARD_TEST_TOKEN", "secret123")
	path := writeConfig(t, "backend:\n  kind: http\n  http:\n    endpoint: http://localhost:9/v1/chat\n    api_key: ${STEWARD_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Backend.HTTP.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Backend.HTTP.APIKey, "secret123")
	}
	if cfg.Backend.HTTP.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want default 3", cfg.Backend.HTTP.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing command", "backend:\n  kind: subprocess\n", "command is required"},
		{"missing endpoint", "backend:\n  kind: http\n", "endpoint is required"},
		{"unknown kind", "backend:\n  kind: carrier-pigeon\n", "unknown backend.kind"},
		{"bad log level", minimalYAML + "log_level: chatty\n", "unknown log level"},
		{"bad log format", minimalYAML + "log_format: xml\n", "unknown log_format"},
		{"zero read timeout", minimalYAML + "timeouts:\n  read: 0s\n", "must be positive"},
		{"negative retention", minimalYAML + "scheduler:\n  history_retention: -1h\n", "history_retention"},
		{"bad task spec", minimalYAML + "sessions:\n  - id: a\n    tasks:\n      - message: hi\n        schedule: whenever\n", "sessions[0].tasks[0]"},
		{"duplicate session", minimalYAML + "sessions:\n  - id: a\n  - id: a\n", "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatalf("Load succeeded, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{" trace ", LevelTrace},
		{"debug", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := NewLogger(&buf, LevelTrace, "text", LogFileConfig{})
	defer closer.Close()

	logger.Log(t.Context(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("expected TRACE level name, got %q", buf.String())
	}
}

func TestNewLogger_File(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "steward.log")
	logger, closer := NewLogger(&buf, slog.LevelInfo, "json", LogFileConfig{Path: path, MaxSizeMB: 1})

	logger.Info("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file missing entry: %q", data)
	}
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("stdout missing entry: %q", buf.String())
	}
}
