package driftkit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Tracing.Enabled {
		t.Error("tracing should default to enabled")
	}
	if cfg.Async.CorePoolSize <= 0 || cfg.Async.MaxPoolSize < cfg.Async.CorePoolSize {
		t.Errorf("pool defaults invalid: %+v", cfg.Async)
	}
	if cfg.leaseDuration() != 30*time.Second {
		t.Errorf("lease = %s, want 30s", cfg.leaseDuration())
	}
	if cfg.Retry.DefaultJitter <= 0 {
		t.Error("default jitter should be positive")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	content := `
[tracing]
enabled = false

[async]
core_pool_size = 2
max_pool_size = 8
queue_capacity = 16
keep_alive_sec = 10

[lock]
lease_ms = 5000

[retry]
default_jitter = 0.25

[websocket]
enabled = true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing.enabled = true, want false")
	}
	if cfg.Async.MaxPoolSize != 8 || cfg.Async.KeepAliveSec != 10 {
		t.Errorf("async = %+v, want max 8 keepalive 10", cfg.Async)
	}
	if cfg.leaseDuration() != 5*time.Second {
		t.Errorf("lease = %s, want 5s", cfg.leaseDuration())
	}
	if cfg.Retry.DefaultJitter != 0.25 {
		t.Errorf("jitter = %v, want 0.25", cfg.Retry.DefaultJitter)
	}
	if !cfg.WebSocket.Enabled {
		t.Error("websocket.enabled = false, want true")
	}
}

func TestLoadConfigPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	if err := os.WriteFile(path, []byte("[lock]\nlease_ms = 1000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.leaseDuration() != time.Second {
		t.Errorf("lease = %s, want 1s", cfg.leaseDuration())
	}
	if !cfg.Tracing.Enabled {
		t.Error("unset tracing should keep the default enabled")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
