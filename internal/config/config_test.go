package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradedesk.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "debug"
  format: "text"
server:
  host: "0.0.0.0"
  port: 8081
storage:
  data_dir: "/tmp/tradedesk/data"
  sqlite_path: "/tmp/tradedesk/orders.db"
quotes:
  poll_interval: 1s
  batch_size: 25
orders:
  max_attempts: 3
  retry_jitter: 0.1
profiles:
  - id: ACC1
    broker: rest
    base_url: "https://broker.example"
    subscriptions: ["N:NIFTY50"]
  - id: PAPER
    broker: simulator
`)

	// Clear any environment overrides that might interfere.
	for _, k := range []string{"DATA_DIR", "SQLITE_PATH", "LOG_LEVEL", "REDIS_ADDR", "INSTRUMENT_MASTER", "TRADEDESK_SECRETS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Explicit values --
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Server.Addr() != "0.0.0.0:8081" {
		t.Errorf("Server.Addr() = %q, want %q", cfg.Server.Addr(), "0.0.0.0:8081")
	}
	if cfg.Quotes.PollInterval != time.Second {
		t.Errorf("Quotes.PollInterval = %v, want %v", cfg.Quotes.PollInterval, time.Second)
	}
	if cfg.Quotes.BatchSize != 25 {
		t.Errorf("Quotes.BatchSize = %d, want %d", cfg.Quotes.BatchSize, 25)
	}
	if cfg.Orders.MaxAttempts != 3 {
		t.Errorf("Orders.MaxAttempts = %d, want %d", cfg.Orders.MaxAttempts, 3)
	}

	// -- Defaults --
	if cfg.Server.GRPCPort != 9090 {
		t.Errorf("Server.GRPCPort = %d, want %d", cfg.Server.GRPCPort, 9090)
	}
	if cfg.Session.Validity != 8*time.Hour {
		t.Errorf("Session.Validity = %v, want %v", cfg.Session.Validity, 8*time.Hour)
	}
	if cfg.Orders.AccountRefresh != 2*time.Second {
		t.Errorf("Orders.AccountRefresh = %v, want %v", cfg.Orders.AccountRefresh, 2*time.Second)
	}
	if cfg.Scheduler.MaxConcurrent != 8 {
		t.Errorf("Scheduler.MaxConcurrent = %d, want %d", cfg.Scheduler.MaxConcurrent, 8)
	}
	if cfg.Risk.BufferMargin != 5000 {
		t.Errorf("Risk.BufferMargin = %v, want %v", cfg.Risk.BufferMargin, 5000.0)
	}

	// -- Profiles --
	if len(cfg.Profiles) != 2 {
		t.Fatalf("len(Profiles) = %d, want 2", len(cfg.Profiles))
	}
	if got := cfg.Profiles[0].CredentialRef; got != "ACC1" {
		t.Errorf("Profiles[0].CredentialRef = %q, want %q", got, "ACC1")
	}
	if got := cfg.Profiles[1].RateLimit; got != 300 {
		t.Errorf("Profiles[1].RateLimit = %d, want %d", got, 300)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: "/from/file"
`)
	t.Setenv("DATA_DIR", "/from/env")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Storage.DataDir != "/from/env" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/from/env")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q, want %q", cfg.Redis.Addr, "localhost:6379")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing id", "profiles:\n  - broker: simulator\n", "id is required"},
		{"duplicate id", "profiles:\n  - {id: A, broker: simulator}\n  - {id: A, broker: simulator}\n", "duplicate id"},
		{"unknown broker", "profiles:\n  - {id: A, broker: ib}\n", "unknown broker"},
		{"rest without url", "profiles:\n  - {id: A}\n", "base_url is required"},
		{"bad subscription", "profiles:\n  - {id: A, broker: simulator, subscriptions: [NIFTY]}\n", "not EXCH:SYMBOL"},
		{"margin too wide", "session:\n  validity: 1m\n  refresh_margin: 2m\n", "refresh_margin"},
	}
	for _, tt := range tests {
		_, err := Load(writeConfig(t, tt.yaml))
		if err == nil {
			t.Errorf("%s: Load() returned nil error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: error %q does not mention %q", tt.name, err, tt.wantErr)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() of a missing file returned nil error")
	}
}
