package driftkit

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config tunes the engine. All fields have working defaults; load overrides
// from a TOML file with LoadConfig or construct the struct directly.
type Config struct {
	Tracing   TracingConfig   `toml:"tracing"`
	Async     AsyncConfig     `toml:"async"`
	Lock      LockConfig      `toml:"lock"`
	Retry     RetryConfig     `toml:"retry"`
	WebSocket WebSocketConfig `toml:"websocket"`
}

// TracingConfig controls tracer spans: step spans are started only when
// Enabled is true and a Tracer is installed. Step traces in the instance
// history are persisted whether or not Enabled is set.
type TracingConfig struct {
	Enabled bool `toml:"enabled"`
}

// AsyncConfig sizes the worker pool shared by async handlers and parallel
// macro-nodes.
type AsyncConfig struct {
	CorePoolSize  int `toml:"core_pool_size"`
	MaxPoolSize   int `toml:"max_pool_size"`
	QueueCapacity int `toml:"queue_capacity"`
	KeepAliveSec  int `toml:"keep_alive_sec"`
}

// LockConfig sets the default instance-lock lease.
type LockConfig struct {
	LeaseMs int `toml:"lease_ms"`
}

// RetryConfig holds defaults applied to policies that omit a value.
type RetryConfig struct {
	DefaultJitter float64 `toml:"default_jitter"`
}

// WebSocketConfig toggles publishing events to an external bus when a
// front-end exists. The engine itself only consults the flag.
type WebSocketConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	return Config{
		Tracing: TracingConfig{Enabled: true},
		Async: AsyncConfig{
			CorePoolSize:  4,
			MaxPoolSize:   16,
			QueueCapacity: 64,
			KeepAliveSec:  60,
		},
		Lock:  LockConfig{LeaseMs: 30_000},
		Retry: RetryConfig{DefaultJitter: 0.1},
	}
}

// LoadConfig reads a TOML config file, applying defaults for omitted keys.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// leaseDuration converts the configured lease to a duration, falling back to
// the default when unset.
func (c Config) leaseDuration() time.Duration {
	if c.Lock.LeaseMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Lock.LeaseMs) * time.Millisecond
}

func (c Config) keepAlive() time.Duration {
	if c.Async.KeepAliveSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.Async.KeepAliveSec) * time.Second
}
