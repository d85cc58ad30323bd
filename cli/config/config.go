package config

import (
	"fmt"
	"time"
)

// Config represents a corral.yaml configuration file.
// All values are optional; unset values fall back to built-in defaults.
type Config struct {
	ScriptDir        string        `yaml:"script_dir"`
	LockDir          string        `yaml:"lock_dir"`
	JSDir            string        `yaml:"js_dir"`
	EventsDir        string        `yaml:"events_dir"`
	GridURL          string        `yaml:"grid_url"`
	Addr             string        `yaml:"addr"`
	PoolInitTimeoutS int           `yaml:"pool_init_timeout_s"`
	DefaultLockTTLS  int           `yaml:"default_lock_ttl_s"`
	StreamLockTTLS   int           `yaml:"stream_lock_ttl_s"`
	ImplicitWaitS    int           `yaml:"implicit_wait_s"`
	PoolSize         int           `yaml:"pool_size"`
	Policy           PolicyConfig  `yaml:"policy"`
	Archive          ArchiveConfig `yaml:"archive"`
	Notify           AdapterConfig `yaml:"notify"`
}

// PolicyConfig holds telemetry delivery policy defaults from the config file.
type PolicyConfig struct {
	Name          string   `yaml:"name"` // "buffered", "strict", "streaming", or "noop"
	FlushMode     string   `yaml:"flush_mode"`
	BufferEvents  int      `yaml:"buffer_events"`
	BufferBytes   int64    `yaml:"buffer_bytes"`
	FlushCount    int      `yaml:"flush_count"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// ArchiveConfig holds S3 archival defaults from the config file. Archival is
// disabled when Bucket is empty.
type ArchiveConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// AdapterConfig holds execution-completion notification defaults from the
// config file.
type AdapterConfig struct {
	Type    string            `yaml:"type"` // "webhook", "redis", or "" (disabled)
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// DefaultsApplied returns a copy of c with zero-valued fields replaced by
// the option table's stated defaults.
func (c Config) DefaultsApplied() Config {
	if c.ScriptDir == "" {
		c.ScriptDir = "./storage/sides"
	}
	if c.LockDir == "" {
		c.LockDir = "./storage/locks"
	}
	if c.JSDir == "" {
		c.JSDir = "./storage/js"
	}
	if c.EventsDir == "" {
		c.EventsDir = "./storage/events"
	}
	if c.GridURL == "" {
		c.GridURL = "http://localhost:4444"
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.PoolInitTimeoutS <= 0 {
		c.PoolInitTimeoutS = 30
	}
	if c.DefaultLockTTLS <= 0 {
		c.DefaultLockTTLS = 300
	}
	if c.StreamLockTTLS <= 0 {
		c.StreamLockTTLS = 3600
	}
	if c.ImplicitWaitS <= 0 {
		c.ImplicitWaitS = 10
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.Policy.Name == "" {
		c.Policy.Name = "buffered"
	}
	return c
}

// PoolInitTimeout returns the warm-up budget as a time.Duration.
func (c Config) PoolInitTimeout() time.Duration {
	return time.Duration(c.PoolInitTimeoutS) * time.Second
}

// DefaultLockTTL returns the scoped-lock TTL as a time.Duration.
func (c Config) DefaultLockTTL() time.Duration {
	return time.Duration(c.DefaultLockTTLS) * time.Second
}

// StreamLockTTL returns the pinned-stream lock TTL as a time.Duration.
func (c Config) StreamLockTTL() time.Duration {
	return time.Duration(c.StreamLockTTLS) * time.Second
}

// ImplicitWait returns the per-command element wait as a time.Duration.
func (c Config) ImplicitWait() time.Duration {
	return time.Duration(c.ImplicitWaitS) * time.Second
}
