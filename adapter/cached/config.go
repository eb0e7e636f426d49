package cached

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration for the caching layer.
type Config struct {
	// Prefix namespaces cache keys so deployments can share a cache.
	// Default: "arbor"
	Prefix string `env:"ARBOR_CACHE_PREFIX"`

	// ItemTTL is how long cached entities live.
	// Default: 24h
	ItemTTL time.Duration `env:"ARBOR_CACHE_ITEM_TTL"`

	// LockTTL bounds how long a write can hold a cache entry locked. A
	// crashed writer's locks expire after this long and reads start
	// repopulating again.
	// Default: 60s
	LockTTL time.Duration `env:"ARBOR_CACHE_LOCK_TTL"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:  "arbor",
		ItemTTL: 24 * time.Hour,
		LockTTL: 60 * time.Second,
	}
}

// ConfigFromEnv returns the default configuration overridden by any
// ARBOR_CACHE_* environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Prefix == "" {
		c.Prefix = "arbor"
	}
	if c.ItemTTL <= 0 {
		c.ItemTTL = 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
}
