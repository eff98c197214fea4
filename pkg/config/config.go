// Package config loads the runtime configuration from YAML with environment
// variable fallbacks.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Storage backend configuration
	Storage StorageConfig `yaml:"storage"`

	// Event bus configuration
	Bus BusConfig `yaml:"bus"`

	// Metrics / health endpoint configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Index reconciliation configuration
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// StorageConfig selects and configures the key/value substrate.
type StorageConfig struct {
	// Backend is one of: memory, sqlite, redis.
	Backend string `yaml:"backend"`

	// SQLitePath is the database file path for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// Redis connection settings.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	// QueueCapacity bounds each subscriber queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// Policy is one of: drop_oldest, block.
	Policy string `yaml:"policy"`
	// BlockTimeoutMs is the wait bound for the block policy.
	BlockTimeoutMs int `yaml:"block_timeout_ms"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ReconcileConfig holds index reconciliation configuration.
type ReconcileConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron spec, e.g. "@every 15m".
	Schedule string `yaml:"schedule"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:     "memory",
			SQLitePath:  "agentx.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "agentx:",
		},
		Bus: BusConfig{
			QueueCapacity:  256,
			Policy:         "drop_oldest",
			BlockTimeoutMs: 100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Schedule: "@every 15m",
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets environment variables override connection settings, so
// deployments can keep credentials out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTX_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("AGENTX_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("AGENTX_REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("AGENTX_REDIS_PASSWORD"); v != "" {
		c.Storage.RedisPassword = v
	}
	if v := os.Getenv("AGENTX_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Storage.RedisDB = db
		}
	}
	if v := os.Getenv("AGENTX_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.Port = port
		}
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Storage.Backend == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("sqlite_path is required for the sqlite backend")
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required for the redis backend")
	}

	switch c.Bus.Policy {
	case "drop_oldest", "block":
	default:
		return fmt.Errorf("unknown bus policy %q", c.Bus.Policy)
	}

	if c.Bus.QueueCapacity <= 0 {
		return fmt.Errorf("bus queue_capacity must be positive")
	}
	return nil
}
