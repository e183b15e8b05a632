// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"behavior-anomaly-engine/analytics"
)

// EnvPrefix is the prefix of every environment variable, e.g. ANOMALY_PORT.
const EnvPrefix = "anomaly"

// Config holds the process configuration. It is loaded once at startup and
// not modified afterwards.
type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	// LogFile enables a rotated log file instead of stdout when set
	LogFile string `envconfig:"LOG_FILE"`

	RateLimit float64 `envconfig:"RATE_LIMIT" default:"2000"`
	RateBurst int     `envconfig:"RATE_BURST" default:"50000"`

	// RegionIdleTTL evicts regions without observations for this long; 0 keeps them forever
	RegionIdleTTL time.Duration `envconfig:"REGION_IDLE_TTL" default:"0s"`

	Redis    RedisConfig      `envconfig:"REDIS"`
	Kafka    KafkaConfig      `envconfig:"KAFKA"`
	Detector analytics.Config `envconfig:"DETECTOR"`
}

// RedisConfig configures the snapshot cache
type RedisConfig struct {
	Enabled     bool          `envconfig:"ENABLED" default:"false"`
	Addr        string        `envconfig:"ADDR" default:"localhost:6379"`
	Password    string        `envconfig:"PASSWORD"`
	DB          int           `envconfig:"DB" default:"0"`
	SnapshotTTL time.Duration `envconfig:"SNAPSHOT_TTL" default:"24h"`
}

// KafkaConfig configures the anomaly event stream
type KafkaConfig struct {
	Enabled      bool          `envconfig:"ENABLED" default:"false"`
	Brokers      []string      `envconfig:"BROKERS" default:"localhost:9092"`
	Topic        string        `envconfig:"TOPIC" default:"behavior.anomalies"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
}

// ConfigError reports an invalid configuration field
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration field '%s': %s", e.Field, e.Message)
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "json",
		RateLimit: 2000,
		RateBurst: 50000,
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			SnapshotTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "behavior.anomalies",
			WriteTimeout: 10 * time.Second,
		},
		Detector: analytics.DefaultConfig(),
	}
}

// Load reads the configuration from ANOMALY_* environment variables and validates it.
func Load() (*Config, error) {
	cfg := Default()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, &ConfigError{Field: "environment", Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Port == "" {
		return &ConfigError{Field: "port", Message: "cannot be empty"}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "log_level", Message: "must be one of: debug, info, warn, error"}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return &ConfigError{Field: "log_format", Message: "must be one of: json, console"}
	}
	if c.RateLimit <= 0 {
		return &ConfigError{Field: "rate_limit", Message: "must be > 0"}
	}
	if c.RateBurst <= 0 {
		return &ConfigError{Field: "rate_burst", Message: "must be > 0"}
	}
	if c.RegionIdleTTL < 0 {
		return &ConfigError{Field: "region_idle_ttl", Message: "must be >= 0"}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return &ConfigError{Field: "redis.addr", Message: "required when redis is enabled"}
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return &ConfigError{Field: "kafka.brokers", Message: "at least one broker is required"}
		}
		if c.Kafka.Topic == "" {
			return &ConfigError{Field: "kafka.topic", Message: "cannot be empty"}
		}
	}
	if err := c.Detector.Validate(); err != nil {
		return &ConfigError{Field: "detector", Message: err.Error()}
	}
	return nil
}
