package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/SkynetNext/capi-gateway/internal/redis"
)

func resetFlags(t *testing.T) *cobra.Command {
	t.Helper()
	configPath, listenAddr, logLevel, logEncoding, chatAPIRemote = "", "", "", "", ""
	debug = false

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().StringVar(&listenAddr, "interface", "", "")
	cmd.Flags().StringVar(&chatAPIRemote, "chat-api", "", "")
	return cmd
}

func TestLoadConfig_Defaults(t *testing.T) {
	cmd := resetFlags(t)

	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Server.ListenAddr != ":6112" {
		t.Errorf("Expected default listen address, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Log.Level != "info" || cfg.Log.Debug {
		t.Errorf("Expected info level without debug, got %q debug=%v", cfg.Log.Level, cfg.Log.Debug)
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cmd := resetFlags(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "server:\n  listen_addr: \":7000\"\nchat_api:\n  endpoint: \"wss://file.example/chat\"\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	configPath = path

	if err := cmd.Flags().Set("interface", "127.0.0.1:6200"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	debug = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:6200" {
		t.Errorf("Expected flag to override listen address, got %q", cfg.Server.ListenAddr)
	}
	if cfg.ChatAPI.Endpoint != "wss://file.example/chat" {
		t.Errorf("Expected file endpoint to survive, got %q", cfg.ChatAPI.Endpoint)
	}
	if !cfg.Log.Debug || cfg.Log.Level != "debug" {
		t.Errorf("Expected debug mode, got level %q debug=%v", cfg.Log.Level, cfg.Log.Debug)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cmd := resetFlags(t)
	logLevel = "verbose"

	if _, err := loadConfig(cmd); err == nil {
		t.Error("Expected error for unknown log level")
	}
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(&redis.SessionEvent{
		Event:      redis.EventClosed,
		ClientID:   3,
		ConnID:     "abc",
		RemoteAddr: "10.0.0.1:50000",
		Username:   "Self",
		Reason:     "Legacy client not responding",
		Timestamp:  time.Now(),
	})

	for _, want := range []string{"closed", "client=3", "conn=abc", "user=Self", `reason="Legacy client not responding"`} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %q", want, line)
		}
	}
	if strings.Contains(line, "product=") {
		t.Errorf("Expected empty product to be omitted: %q", line)
	}
}
