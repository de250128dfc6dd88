// Package config loads the typed service configuration from environment
// variables and an optional YAML file, and derives the node's capacity tier.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment names.
const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

// S3Config carries object-storage credentials for the staging engine.
type S3Config struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	// Endpoint overrides the S3 endpoint (local emulators). When set, the
	// staging engine switches to path-style addressing.
	Endpoint string `mapstructure:"endpoint"`
	// Bucket holds the completed uploads; rebuilds re-stage tables from it.
	Bucket string `mapstructure:"bucket"`
}

// PoolConfig carries the shared connection-pool knobs.
type PoolConfig struct {
	MaxConnectionsPerDB int           `mapstructure:"max_connections_per_db"`
	ConnectionTTL       time.Duration `mapstructure:"connection_ttl"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// CreditCosts is the per-operation credit price table used by the HTTP layer.
type CreditCosts struct {
	CreateDatabase float64 `mapstructure:"create_database"`
	Query          float64 `mapstructure:"query"`
	Ingest         float64 `mapstructure:"ingest"`
}

// Config is the full typed configuration for one node.
type Config struct {
	Environment string `mapstructure:"environment"`

	GraphDatabasePath string `mapstructure:"graph_database_path"`
	StagingPath       string `mapstructure:"staging_path"`

	MaxMemoryMB         int64 `mapstructure:"max_memory_mb"`
	MaxDatabasesPerNode int   `mapstructure:"max_databases_per_node"`
	// DatabasesPerInstance overrides the tier-derived database cap when > 0.
	DatabasesPerInstance int `mapstructure:"databases_per_instance"`

	ConnectionPoolSize int           `mapstructure:"connection_pool_size"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
	ChunkSize          int           `mapstructure:"chunk_size"`

	// CheckpointOverrides maps a graph ID to a checkpoint threshold in bytes.
	// Databases not listed use DefaultCheckpointThreshold.
	CheckpointOverrides map[string]uint64 `mapstructure:"checkpoint_overrides"`

	Pool    PoolConfig  `mapstructure:"pool"`
	S3      S3Config    `mapstructure:"s3"`
	Costs   CreditCosts `mapstructure:"costs"`
	HTTP    HTTPConfig  `mapstructure:"http"`
	Credits struct {
		DatabasePath string `mapstructure:"database_path"`
	} `mapstructure:"credits"`

	ReadOnlyNode bool `mapstructure:"read_only_node"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	Addr  string `mapstructure:"addr"`
	Token string `mapstructure:"token"`
}

// DefaultCheckpointThreshold applies to graph databases without an override.
const DefaultCheckpointThreshold uint64 = 512 << 20

// SharedDBCheckpointThreshold is the tighter threshold for the large shared
// database; seeded as the default override for "sec".
const SharedDBCheckpointThreshold uint64 = 128 << 20

// Load reads configuration from the environment (GRAPHNODE_ prefix plus the
// well-known bare names) and an optional config file.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("environment", EnvDev)
	v.SetDefault("graph_database_path", "/data/graphs")
	v.SetDefault("staging_path", "/data/staging")
	v.SetDefault("max_memory_mb", 8192)
	v.SetDefault("max_databases_per_node", 0)
	v.SetDefault("databases_per_instance", 0)
	v.SetDefault("connection_pool_size", 5)
	v.SetDefault("query_timeout", "60s")
	v.SetDefault("chunk_size", 1000)
	v.SetDefault("checkpoint_overrides", map[string]uint64{"sec": SharedDBCheckpointThreshold})
	v.SetDefault("pool.max_connections_per_db", 5)
	v.SetDefault("pool.connection_ttl", "30m")
	v.SetDefault("pool.cleanup_interval", "10m")
	v.SetDefault("pool.health_check_interval", "5m")
	v.SetDefault("costs.create_database", 10)
	v.SetDefault("costs.query", 0.1)
	v.SetDefault("costs.ingest", 1)
	v.SetDefault("http.addr", ":8529")
	v.SetDefault("credits.database_path", "")
	v.SetDefault("read_only_node", false)

	v.SetEnvPrefix("GRAPHNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Well-known bare environment names used by the deployment layer.
	for envName, key := range map[string]string{
		"ENVIRONMENT":            "environment",
		"GRAPH_DATABASE_PATH":    "graph_database_path",
		"DUCKDB_STAGING_PATH":    "staging_path",
		"MAX_MEMORY_MB":          "max_memory_mb",
		"MAX_DATABASES_PER_NODE": "max_databases_per_node",
		"DATABASES_PER_INSTANCE": "databases_per_instance",
		"CONNECTION_POOL_SIZE":   "connection_pool_size",
		"QUERY_TIMEOUT":          "query_timeout",
		"CHUNK_SIZE":             "chunk_size",
		"AWS_ACCESS_KEY_ID":      "s3.access_key_id",
		"AWS_SECRET_ACCESS_KEY":  "s3.secret_access_key",
		"AWS_REGION":             "s3.region",
		"AWS_ENDPOINT_URL":       "s3.endpoint",
		"S3_BUCKET":              "s3.bucket",
	} {
		if err := v.BindEnv(key, envName); err != nil {
			return nil, fmt.Errorf("binding %s: %w", envName, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.MaxMemoryMB <= 0 {
		return fmt.Errorf("max_memory_mb must be positive (got %d)", c.MaxMemoryMB)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive (got %d)", c.ChunkSize)
	}
	if c.Pool.MaxConnectionsPerDB <= 0 {
		return fmt.Errorf("pool.max_connections_per_db must be positive (got %d)", c.Pool.MaxConnectionsPerDB)
	}
	return nil
}

// CheckpointThreshold returns the checkpoint threshold for a graph database,
// honoring per-database overrides.
func (c *Config) CheckpointThreshold(graphID string) uint64 {
	if t, ok := c.CheckpointOverrides[graphID]; ok {
		return t
	}
	return DefaultCheckpointThreshold
}
