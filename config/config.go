package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML parses strings such as "3s" or "30m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration of the approval engine.
type Config struct {
	Redis    Redis    `yaml:"redis"`
	Lock     Lock     `yaml:"lock"`
	Cache    Cache    `yaml:"cache"`
	Postgres Postgres `yaml:"postgres"`
	AMQP     AMQP     `yaml:"amqp"`
	Log      Log      `yaml:"log"`
	Tracing  Tracing  `yaml:"tracing"`
	Engine   Engine   `yaml:"engine"`
}

// Redis configures the shared client of storage, lock and cache. An empty
// Addr selects the in-memory implementations.
type Redis struct {
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	PoolSize     int      `yaml:"pool_size"`
	MinIdleConns int      `yaml:"min_idle_conns"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// Lock configures per-instance serialization.
type Lock struct {
	Enabled       bool     `yaml:"enabled"`
	WaitTime      Duration `yaml:"wait_time"`
	LeaseTime     Duration `yaml:"lease_time"`
	RetryInterval Duration `yaml:"retry_interval"`
	Prefix        string   `yaml:"prefix"`
}

// Cache configures cache-aside reads of instances and definitions.
type Cache struct {
	Enabled bool     `yaml:"enabled"`
	TTL     Duration `yaml:"ttl"`
	Prefix  string   `yaml:"prefix"`
}

// Postgres configures the history store. An empty DSN keeps history in the primary storage.
type Postgres struct {
	DSN string `yaml:"dsn"`
}

// AMQP configures event forwarding. An empty URL or exchange disables it.
type AMQP struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Log configures zap.
type Log struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

// Tracing configures the stdout span exporter. An empty Output writes to stdout.
type Tracing struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"`
}

// Engine holds engine limits and defaults.
type Engine struct {
	MaxRouteDepth         int `yaml:"max_route_depth"`
	DefaultDocumentStatus int `yaml:"default_document_status"`
}

// Default returns the configuration used for missing keys.
func Default() Config {
	return Config{
		Redis: Redis{
			PoolSize:     10,
			MinIdleConns: 2,
			IdleTimeout:  Duration(5 * time.Minute),
		},
		Lock: Lock{
			Enabled:       true,
			WaitTime:      Duration(3 * time.Second),
			LeaseTime:     Duration(10 * time.Second),
			RetryInterval: Duration(50 * time.Millisecond),
			Prefix:        "workflow:lock:",
		},
		Cache: Cache{
			Enabled: true,
			TTL:     Duration(30 * time.Minute),
			Prefix:  "workflow:cache:",
		},
		Log:    Log{Level: "info", Encoding: "json"},
		Engine: Engine{MaxRouteDepth: 100, DefaultDocumentStatus: 1},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Lock.Enabled {
		if c.Lock.WaitTime <= 0 || c.Lock.LeaseTime <= 0 {
			return fmt.Errorf("lock wait_time and lease_time must be positive")
		}
		if c.Lock.RetryInterval <= 0 {
			return fmt.Errorf("lock retry_interval must be positive")
		}
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.Engine.MaxRouteDepth <= 0 {
		return fmt.Errorf("engine max_route_depth must be positive")
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("log encoding %q must be json or console", c.Log.Encoding)
	}
	return nil
}
