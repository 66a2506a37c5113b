package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.ListenAddr != ":6112" {
		t.Errorf("Expected listen_addr=:6112, got %s", cfg.Server.ListenAddr)
	}
	if cfg.ChatAPI.Endpoint != DefaultChatAPIEndpoint {
		t.Errorf("Expected default endpoint, got %s", cfg.ChatAPI.Endpoint)
	}
	if cfg.ChatAPI.TLSInsecureSkipVerify {
		t.Error("Expected TLS verification on by default")
	}
	if cfg.Legacy.VersionCheck || cfg.Legacy.IgnoreUnsupportedCommands {
		t.Error("Expected legacy toggles off by default")
	}
	if cfg.Legacy.EncodingPolicy != "replace" || *cfg.Legacy.Substitution != "?" {
		t.Errorf("Unexpected encoding defaults %s %q", cfg.Legacy.EncodingPolicy, *cfg.Legacy.Substitution)
	}
	if cfg.Supervisor.Interval != 10*time.Second ||
		cfg.Supervisor.LegacyPingAfter != 30*time.Second ||
		cfg.Supervisor.LegacyTimeout != 90*time.Second ||
		cfg.Supervisor.KeepAliveInterval != 60*time.Second ||
		cfg.Supervisor.ChatAPITimeout != 30*time.Second {
		t.Errorf("Unexpected supervisor defaults %+v", cfg.Supervisor)
	}
	if cfg.Redis.Addr != "" {
		t.Error("Expected Redis publication disabled by default")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: "127.0.0.1:7112"
chat_api:
  endpoint: "ws://localhost:8080/chat"
  max_retries: 4
legacy:
  version_check: true
  ignore_unsupported_commands: true
  text_encoding: windows-1252
  encoding_policy: strict
  substitution: ""
supervisor:
  interval: 5s
redis:
  addr: "localhost:6379"
log:
  encoding: console
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:7112" {
		t.Errorf("Expected listen_addr override, got %s", cfg.Server.ListenAddr)
	}
	if cfg.ChatAPI.Endpoint != "ws://localhost:8080/chat" || cfg.ChatAPI.MaxRetries != 4 {
		t.Errorf("Unexpected chat API config %+v", cfg.ChatAPI)
	}
	if !cfg.Legacy.VersionCheck || !cfg.Legacy.IgnoreUnsupportedCommands {
		t.Error("Expected legacy toggles on")
	}
	if cfg.Legacy.TextEncoding != "windows-1252" || cfg.Legacy.EncodingPolicy != "strict" {
		t.Errorf("Unexpected encoding %s/%s", cfg.Legacy.TextEncoding, cfg.Legacy.EncodingPolicy)
	}
	if cfg.Legacy.Substitution == nil || *cfg.Legacy.Substitution != "" {
		t.Error("Expected explicit empty substitution to be kept")
	}
	if cfg.Supervisor.Interval != 5*time.Second {
		t.Errorf("Expected interval=5s, got %v", cfg.Supervisor.Interval)
	}
	if cfg.Supervisor.LegacyTimeout != 90*time.Second {
		t.Errorf("Expected default legacy timeout, got %v", cfg.Supervisor.LegacyTimeout)
	}
	if cfg.Redis.KeyPrefix != "capi-gateway:" {
		t.Errorf("Expected default key prefix, got %s", cfg.Redis.KeyPrefix)
	}
	if cfg.Log.Encoding != "console" {
		t.Errorf("Expected console encoding, got %s", cfg.Log.Encoding)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad policy", "legacy:\n  encoding_policy: lossy\n", "encoding_policy"},
		{"ping after timeout", "supervisor:\n  legacy_ping_after: 2m\n", "legacy_ping_after"},
		{"bad port", "server:\n  health_check_port: 70000\n", "health_check_port"},
		{"bad log level", "log:\n  level: verbose\n", "log.level"},
		{"bad yaml", "server: [", "failed to parse"},
	}

	for _, tt := range tests {
		_, err := Load(writeConfig(t, tt.body))
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: expected error mentioning %q, got %v", tt.name, tt.want, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
