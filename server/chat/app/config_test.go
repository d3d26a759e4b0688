package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.toml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CHAT_CONFIG_FILE", "")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.StoreDriver != StoreMemory {
		t.Errorf("StoreDriver = %q, want %q", cfg.StoreDriver, StoreMemory)
	}
	if cfg.DispatchBroker != BrokerNone {
		t.Errorf("DispatchBroker = %q, want %q", cfg.DispatchBroker, BrokerNone)
	}
	if cfg.PresenceFlushInterval != 2*time.Second {
		t.Errorf("PresenceFlushInterval = %v, want 2s", cfg.PresenceFlushInterval)
	}
	if cfg.AllowDeclaredIdentity {
		t.Error("AllowDeclaredIdentity should default to false")
	}
	if cfg.SMTP.Enabled() {
		t.Error("SMTP should be disabled without a host")
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := writeConfigFile(t, `
port = "9090"
store_driver = "postgres"
redis_enabled = true
dispatch_broker = "redis"
presence_flush_interval = "5s"

[smtp]
host = "smtp.example.com"
from = "chat@example.com"
`)
	t.Setenv("CHAT_CONFIG_FILE", path)
	t.Setenv("PORT", "7070")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != "7070" {
		t.Errorf("Port = %q, want env override 7070", cfg.Port)
	}
	if cfg.StoreDriver != StorePostgres {
		t.Errorf("StoreDriver = %q, want %q", cfg.StoreDriver, StorePostgres)
	}
	if cfg.PresenceFlushInterval != 5*time.Second {
		t.Errorf("PresenceFlushInterval = %v, want 5s", cfg.PresenceFlushInterval)
	}
	if !cfg.SMTP.Enabled() || cfg.SMTP.Port != 587 {
		t.Errorf("SMTP = %+v, want enabled on default port", cfg.SMTP)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown store", env: map[string]string{"STORE_DRIVER": "sqlite"}},
		{name: "unknown broker", env: map[string]string{"DISPATCH_BROKER": "kafka"}},
		{name: "redis broker without redis", env: map[string]string{"DISPATCH_BROKER": "redis", "REDIS_ENABLED": "false"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CHAT_CONFIG_FILE", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("LoadConfig() expected error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv("CHAT_CONFIG_FILE", "/nonexistent/chat.toml")
	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig() expected error for missing file")
	}
}
