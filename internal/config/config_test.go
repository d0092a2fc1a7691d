// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, duration parsing, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
server:
  http_addr: "127.0.0.1:9090"

upstream:
  endpoint: "http://localhost:9000/stream"
  shape: a2a
  framing: blocks
  timeout: "30s"
  headers:
    X-Api-Key: "k"

pacing:
  min_interval: "50ms"

registry:
  backend: badger
  path: "/tmp/streams"
  retention: "1h"
  restore_window: "20s"
  poll_interval: "250ms"
  idle_timeout: "2m"
  abort_on_disconnect: true

database:
  path: "./relay.db"

logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Upstream.Endpoint != "http://localhost:9000/stream" {
		t.Errorf("Upstream.Endpoint = %q", cfg.Upstream.Endpoint)
	}
	if cfg.Upstream.Shape != "a2a" || cfg.Upstream.Framing != "blocks" {
		t.Errorf("Upstream shape/framing = %q/%q", cfg.Upstream.Shape, cfg.Upstream.Framing)
	}
	if cfg.Upstream.Timeout != 30*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 30s", cfg.Upstream.Timeout)
	}
	if cfg.Upstream.Headers["X-Api-Key"] != "k" {
		t.Errorf("Upstream.Headers = %v", cfg.Upstream.Headers)
	}
	if cfg.Pacing.MinInterval != 50*time.Millisecond {
		t.Errorf("Pacing.MinInterval = %v, want 50ms", cfg.Pacing.MinInterval)
	}

	r := cfg.Registry
	if r.Backend != BackendBadger || r.Path != "/tmp/streams" {
		t.Errorf("Registry backend/path = %q/%q", r.Backend, r.Path)
	}
	if r.Retention != time.Hour {
		t.Errorf("Registry.Retention = %v, want 1h", r.Retention)
	}
	if r.RestoreWindow != 20*time.Second {
		t.Errorf("Registry.RestoreWindow = %v, want 20s", r.RestoreWindow)
	}
	if r.PollInterval != 250*time.Millisecond {
		t.Errorf("Registry.PollInterval = %v, want 250ms", r.PollInterval)
	}
	if r.IdleTimeout != 2*time.Minute {
		t.Errorf("Registry.IdleTimeout = %v, want 2m", r.IdleTimeout)
	}
	if !r.AbortOnDisconnect {
		t.Error("Registry.AbortOnDisconnect = false, want true")
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "relay.toml", `
[upstream]
endpoint = "https://agent.example.com/stream"
shape = "completions"

[upstream.headers]
Authorization = "Bearer t"

[registry]
backend = "memory"
retention = "5m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.Endpoint != "https://agent.example.com/stream" {
		t.Errorf("Upstream.Endpoint = %q", cfg.Upstream.Endpoint)
	}
	if cfg.Upstream.Headers["Authorization"] != "Bearer t" {
		t.Errorf("Upstream.Headers = %v", cfg.Upstream.Headers)
	}
	if cfg.Registry.Backend != BackendMemory {
		t.Errorf("Registry.Backend = %q", cfg.Registry.Backend)
	}
	if cfg.Registry.Retention != 5*time.Minute {
		t.Errorf("Registry.Retention = %v, want 5m", cfg.Registry.Retention)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	path := writeConfig(t, "relay.yaml", `
upstream:
  endpoint: "http://localhost:9000/stream"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("Server.HTTPAddr = %q, want :8080", cfg.Server.HTTPAddr)
	}
	if cfg.Upstream.Shape != "completions" || cfg.Upstream.Framing != "lines" {
		t.Errorf("Upstream shape/framing = %q/%q", cfg.Upstream.Shape, cfg.Upstream.Framing)
	}
	if cfg.Upstream.Timeout != 60*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 60s", cfg.Upstream.Timeout)
	}
	if cfg.Pacing.MinInterval != 20*time.Millisecond {
		t.Errorf("Pacing.MinInterval = %v, want 20ms", cfg.Pacing.MinInterval)
	}
	if cfg.Registry.Backend != BackendSQLite {
		t.Errorf("Registry.Backend = %q, want sqlite", cfg.Registry.Backend)
	}
	if cfg.Registry.Retention != 10*time.Minute {
		t.Errorf("Registry.Retention = %v, want 10m", cfg.Registry.Retention)
	}
	if cfg.Registry.RestoreWindow != 15*time.Second {
		t.Errorf("Registry.RestoreWindow = %v, want 15s", cfg.Registry.RestoreWindow)
	}
	want := filepath.Join("/data", "agent-relay", "relay.db")
	if cfg.Database.Path != want {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, want)
	}
	if cfg.Registry.Path != want {
		t.Errorf("Registry.Path = %q, want the database path %q", cfg.Registry.Path, want)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ExplicitZeroDurations(t *testing.T) {
	path := writeConfig(t, "relay.yaml", `
upstream:
  endpoint: "http://localhost:9000/stream"
pacing:
  min_interval: "0s"
registry:
  restore_window: "0s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pacing.MinInterval != 0 {
		t.Errorf("Pacing.MinInterval = %v, want 0 (pacing disabled)", cfg.Pacing.MinInterval)
	}
	if cfg.Registry.RestoreWindow != 0 {
		t.Errorf("Registry.RestoreWindow = %v, want 0", cfg.Registry.RestoreWindow)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "secret-key")
	t.Setenv("TEST_UPSTREAM_HOST", "agent.internal")

	path := writeConfig(t, "relay.yaml", `
upstream:
  endpoint: "http://${TEST_UPSTREAM_HOST}:9000/stream"
  headers:
    X-Api-Key: "${TEST_UPSTREAM_KEY}"
    X-Missing: "${TEST_UNSET_VAR_FOR_RELAY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.Endpoint != "http://agent.internal:9000/stream" {
		t.Errorf("Upstream.Endpoint = %q", cfg.Upstream.Endpoint)
	}
	if cfg.Upstream.Headers["X-Api-Key"] != "secret-key" {
		t.Errorf("X-Api-Key = %q", cfg.Upstream.Headers["X-Api-Key"])
	}
	if cfg.Upstream.Headers["X-Missing"] != "" {
		t.Errorf("unset var should expand to empty, got %q", cfg.Upstream.Headers["X-Missing"])
	}
}

func TestLoad_HomeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := writeConfig(t, "relay.yaml", `
upstream:
  endpoint: "http://localhost:9000/stream"
registry:
  backend: badger
  path: "~/streams"
database:
  path: "~/relay.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != filepath.Join(home, "relay.db") {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Registry.Path != filepath.Join(home, "streams") {
		t.Errorf("Registry.Path = %q", cfg.Registry.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing endpoint",
			content: "server:\n  http_addr: \":8080\"\n",
			wantErr: "upstream.endpoint is required",
		},
		{
			name:    "endpoint not http",
			content: "upstream:\n  endpoint: \"ftp://x\"\n",
			wantErr: "http(s) URL",
		},
		{
			name:    "unknown shape",
			content: "upstream:\n  endpoint: \"http://x\"\n  shape: grpc\n",
			wantErr: "upstream.shape",
		},
		{
			name:    "unknown framing",
			content: "upstream:\n  endpoint: \"http://x\"\n  framing: words\n",
			wantErr: "upstream.framing",
		},
		{
			name:    "bad duration",
			content: "upstream:\n  endpoint: \"http://x\"\nregistry:\n  retention: \"soon\"\n",
			wantErr: "registry.retention",
		},
		{
			name:    "negative pacing",
			content: "upstream:\n  endpoint: \"http://x\"\npacing:\n  min_interval: \"-1s\"\n",
			wantErr: "pacing.min_interval",
		},
		{
			name:    "unknown backend",
			content: "upstream:\n  endpoint: \"http://x\"\nregistry:\n  backend: redis\n",
			wantErr: "registry.backend",
		},
		{
			name:    "bad log format",
			content: "upstream:\n  endpoint: \"http://x\"\nlogging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "invalid yaml",
			content: "upstream: [unclosed\n",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "relay.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")

	if got := ResolvePath("/flag.yaml"); got != "/flag.yaml" {
		t.Errorf("flag should win, got %q", got)
	}

	want := filepath.Join("/xdg", "agent-relay", "relay.yaml")
	if got := ResolvePath(""); got != want {
		t.Errorf("ResolvePath() = %q, want %q", got, want)
	}

	t.Setenv(EnvConfigPath, "/env.toml")
	if got := ResolvePath(""); got != "/env.toml" {
		t.Errorf("env should win over XDG, got %q", got)
	}
}
