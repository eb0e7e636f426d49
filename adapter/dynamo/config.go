package dynamo

import "github.com/caarlos0/env/v11"

// Config holds configuration for the DynamoDB adapter.
type Config struct {
	// Table is the name of the entity table.
	// Default: "arbor_entities"
	Table string `env:"ARBOR_DYNAMODB_TABLE"`

	// KindIndex is the name of the global secondary index partitioned by
	// kind and namespace and sorted by ancestor path.
	// Default: "kind-index"
	KindIndex string `env:"ARBOR_DYNAMODB_KIND_INDEX"`

	// Endpoint overrides the DynamoDB endpoint, for local development
	// against DynamoDB Local.
	Endpoint string `env:"ARBOR_DYNAMODB_ENDPOINT"`

	// MaxBatchRead is the number of keys fetched per BatchGetItem call.
	// Default: 100 (the DynamoDB maximum)
	MaxBatchRead int `env:"ARBOR_DYNAMODB_MAX_BATCH_READ"`

	// MaxBatchWrite is the number of requests sent per BatchWriteItem call.
	// Default: 25 (the DynamoDB maximum)
	MaxBatchWrite int `env:"ARBOR_DYNAMODB_MAX_BATCH_WRITE"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Table:         "arbor_entities",
		KindIndex:     "kind-index",
		MaxBatchRead:  100,
		MaxBatchWrite: 25,
	}
}

// ConfigFromEnv returns the default configuration overridden by any
// ARBOR_DYNAMODB_* environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.Table == "" {
		c.Table = "arbor_entities"
	}
	if c.KindIndex == "" {
		c.KindIndex = "kind-index"
	}
	if c.MaxBatchRead < 1 || c.MaxBatchRead > 100 {
		c.MaxBatchRead = 100
	}
	if c.MaxBatchWrite < 1 || c.MaxBatchWrite > 25 {
		c.MaxBatchWrite = 25
	}
}
