// Package config loads engine settings from a YAML file with environment
// overrides. Everything has a sensible default; a missing file is not an
// error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces the environment overrides.
const envPrefix = "LIVESET_"

// Config is the root configuration document.
type Config struct {
	Log   Log   `yaml:"log"`
	Cache Cache `yaml:"cache"`
	Sync  Sync  `yaml:"sync"`
}

// Log configures structured logging.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// Cache selects and configures the durable snapshot backend.
type Cache struct {
	// Backend is "sqlite", "redis", or "none".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// RedisAddr, RedisPassword and RedisDB configure the Redis backend.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Sync tunes the store sync and trim behavior.
type Sync struct {
	// EntityMaxOpAge is how long terminal operations stay in entity-store
	// logs.
	EntityMaxOpAge time.Duration `yaml:"entity_max_op_age"`

	// QuerySetMaxOpAge is the query-set store equivalent.
	QuerySetMaxOpAge time.Duration `yaml:"queryset_max_op_age"`

	// MetricMaxOpAge is the metric store equivalent.
	MetricMaxOpAge time.Duration `yaml:"metric_max_op_age"`

	// DefaultSliceLimit caps query-set slices without an explicit limit.
	DefaultSliceLimit int `yaml:"default_slice_limit"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: Log{Level: "info"},
		Cache: Cache{
			Backend: "sqlite",
			Path:    "liveset.db",
		},
		Sync: Sync{
			EntityMaxOpAge:    2 * time.Minute,
			QuerySetMaxOpAge:  15 * time.Second,
			MetricMaxOpAge:    15 * time.Second,
			DefaultSliceLimit: 100,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path or missing file yields the defaults
// plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides individual fields from LIVESET_* variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(envPrefix + "CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv(envPrefix + "CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv(envPrefix + "REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv(envPrefix + "REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv(envPrefix + "REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.RedisDB = n
		}
	}
	if v := os.Getenv(envPrefix + "ENTITY_MAX_OP_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.EntityMaxOpAge = d
		}
	}
	if v := os.Getenv(envPrefix + "QUERYSET_MAX_OP_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.QuerySetMaxOpAge = d
		}
	}
	if v := os.Getenv(envPrefix + "METRIC_MAX_OP_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.MetricMaxOpAge = d
		}
	}
	if v := os.Getenv(envPrefix + "DEFAULT_SLICE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.DefaultSliceLimit = n
		}
	}
}

// Validate checks field combinations.
func (c Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	switch c.Cache.Backend {
	case "none":
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache backend sqlite requires a path")
		}
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.Sync.EntityMaxOpAge < 0 || c.Sync.QuerySetMaxOpAge < 0 || c.Sync.MetricMaxOpAge < 0 {
		return fmt.Errorf("max op ages must be non-negative")
	}
	if c.Sync.DefaultSliceLimit < 0 {
		return fmt.Errorf("default slice limit must be non-negative")
	}
	return nil
}

// BuildLogger constructs a production zap logger at the configured level.
func (c Config) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}
