package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/plasma-engine/research-engine/pkg/apperrors"
)

// Config holds all configuration for research-engine.
// Configuration can come from YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values. Secrets
// (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// PostgreSQL with pgvector - mandatory, holds documents and chunk vectors
	Database DatabaseConfig `yaml:"database"`

	// Redis cache - optional, absent when host is empty
	Redis RedisConfig `yaml:"redis"`

	// Neo4j knowledge graph - optional, absent unless URI and credentials are set
	Neo4j Neo4jConfig `yaml:"neo4j"`

	// Retry policy applied to backend connect and provisioning operations
	Retry RetryConfig `yaml:"retry"`

	// Health probe settings
	Health HealthConfig `yaml:"health"`

	// Embedding vector settings
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string        `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int           `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string        `yaml:"user" env:"PGUSER" env-default:"research"`
	Password       string        `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string        `yaml:"database" env:"PGDATABASE" env-default:"research_engine"`
	SSLMode        string        `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConnections int32         `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"20"`
	MinConnections int32         `yaml:"min_connections" env:"PGMIN_CONNECTIONS" env-default:"5"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"PGACQUIRE_TIMEOUT" env-default:"10s"`
	CommandTimeout time.Duration `yaml:"command_timeout" env:"PGCOMMAND_TIMEOUT" env-default:"30s"`
}

// RedisConfig holds Redis cache configuration.
// Redis is optional: an empty host means the service runs without a cache.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Configured returns true if Redis is configured.
func (c *RedisConfig) Configured() bool {
	return c.Host != ""
}

// Neo4jConfig holds Neo4j knowledge graph configuration.
// Neo4j is optional: it is only opened when URI, username, and password are
// all present.
type Neo4jConfig struct {
	URI            string        `yaml:"uri" env:"NEO4J_URI" env-default:""`
	Username       string        `yaml:"username" env:"NEO4J_USERNAME" env-default:""`
	Password       string        `yaml:"-" env:"NEO4J_PASSWORD"` // Secret - not in YAML
	MaxPoolSize    int           `yaml:"max_pool_size" env:"NEO4J_MAX_POOL_SIZE" env-default:"50"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" env:"NEO4J_ACQUIRE_TIMEOUT" env-default:"60s"`
	MaxConnLife    time.Duration `yaml:"max_conn_lifetime" env:"NEO4J_MAX_CONN_LIFETIME" env-default:"1h"`
}

// Configured returns true if Neo4j is fully configured.
func (c *Neo4jConfig) Configured() bool {
	return c.URI != "" && c.Username != "" && c.Password != ""
}

// RetryConfig holds the retry policy for backend operations.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries" env:"RETRY_MAX_RETRIES" env-default:"3"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"RETRY_INITIAL_DELAY" env-default:"100ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" env-default:"5s"`
	Multiplier   float64       `yaml:"multiplier" env:"RETRY_MULTIPLIER" env-default:"2.0"`
}

// HealthConfig holds health probe settings.
// The probe timeout is deliberately short and independent of command
// timeouts so one stalled backend cannot drag out an aggregate check.
type HealthConfig struct {
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"HEALTH_PROBE_TIMEOUT" env-default:"2s"`
}

// EmbeddingConfig holds embedding vector settings.
// The dimension must match the embedding model in use; changing it after
// provisioning requires recreating the chunk table.
type EmbeddingConfig struct {
	Dimension int `yaml:"dimension" env:"EMBEDDING_DIMENSION" env-default:"3072"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. When config.yaml does not exist, configuration comes from the
// environment alone. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the mandatory backend is fully described and that
// numeric bounds make sense. Optional backends are not validated here; a
// partially configured optional backend is treated as absent.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("%w: database host is required", apperrors.ErrInvalidConfig)
	}
	if c.Database.User == "" {
		return fmt.Errorf("%w: database user is required", apperrors.ErrInvalidConfig)
	}
	if c.Database.Database == "" {
		return fmt.Errorf("%w: database name is required", apperrors.ErrInvalidConfig)
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("%w: database max_connections must be positive", apperrors.ErrInvalidConfig)
	}
	if c.Database.MinConnections < 0 || c.Database.MinConnections > c.Database.MaxConnections {
		return fmt.Errorf("%w: database min_connections must be between 0 and max_connections", apperrors.ErrInvalidConfig)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("%w: embedding dimension must be positive", apperrors.ErrInvalidConfig)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
