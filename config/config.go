// Package config loads server settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config stores all configuration for the server.
// The values are read by viper from a .env file or environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`

	RabbitMQURL     string `mapstructure:"RABBITMQ_URL"`
	NotifyExchange  string `mapstructure:"NOTIFY_EXCHANGE"`
	NotifyQueueSize int    `mapstructure:"NOTIFY_QUEUE_SIZE"`

	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RateLimitPerMinute   int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	RulesFile          string `mapstructure:"RULES_FILE"`
	MaxConflictRetries int    `mapstructure:"MAX_CONFLICT_RETRIES"`
	AuditSchedule      string `mapstructure:"AUDIT_SCHEDULE"`
	CORSOrigins        string `mapstructure:"CORS_ORIGINS"`
}

// LoadConfig reads configuration from environment variables, falling back
// to a .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("STORE_DRIVER", DriverSQLite)
	viper.SetDefault("SQLITE_PATH", "./data/points.db")
	viper.SetDefault("DB_MAX_CONNS", 10)
	viper.SetDefault("NOTIFY_EXCHANGE", "loyalty.events")
	viper.SetDefault("NOTIFY_QUEUE_SIZE", 256)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "points:rate_limit")
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("MAX_CONFLICT_RETRIES", 3)
	viper.SetDefault("AUDIT_SCHEDULE", "0 3 * * *")
	viper.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")

	// Bind explicitly so Unmarshal sees env-only keys without defaults.
	for _, key := range []string{
		"SERVER_PORT", "LOG_LEVEL", "STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL",
		"DB_MAX_CONNS", "RABBITMQ_URL", "NOTIFY_EXCHANGE", "NOTIFY_QUEUE_SIZE",
		"REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "RATE_LIMIT_PER_MINUTE",
		"RULES_FILE", "MAX_CONFLICT_RETRIES", "AUDIT_SCHEDULE", "CORS_ORIGINS",
	} {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithError(err).Warn("Failed to read config file, using environment values")
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unable to decode config: %w", err)
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)

	return config, config.Validate()
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (want memory, sqlite or postgres)", c.StoreDriver)
	}

	if c.MaxConflictRetries < 0 {
		return fmt.Errorf("MAX_CONFLICT_RETRIES must not be negative")
	}
	if c.RateLimitPerMinute < 0 || c.NotifyQueueSize < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and NOTIFY_QUEUE_SIZE must not be negative")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return nil
}

// Origins splits CORS_ORIGINS on commas.
func (c Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
