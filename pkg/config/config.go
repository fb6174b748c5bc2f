// Package config loads service configuration from MODHUB_* environment
// variables with sensible defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Redis   RedisConfig
	Gateway GatewayConfig
	Loader  LoaderConfig
	Logging LoggingConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig selects and parameterizes the relational backend.
type StorageConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string
	// DSN is the database path (sqlite3) or connection URL (postgres).
	DSN string
}

// RedisConfig configures the durable event streams. An empty Addr
// disables them; the bus then dispatches locally only.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GatewayConfig configures API gateway mirroring. An empty AdminURL
// disables it.
type GatewayConfig struct {
	AdminURL      string
	UpstreamURL   string
	ReconcileSpec string
}

// LoaderConfig parameterizes the plugin loader.
type LoaderConfig struct {
	WorkDir        string
	MaxPackageSize int64
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("MODHUB_HOST", "0.0.0.0"),
			Port:            getEnv("MODHUB_PORT", "8080"),
			ReadTimeout:     getEnvDuration("MODHUB_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("MODHUB_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("MODHUB_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("MODHUB_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Driver: getEnv("MODHUB_STORAGE_DRIVER", "sqlite3"),
			DSN:    getEnv("MODHUB_STORAGE_DSN", "modhub.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("MODHUB_REDIS_ADDR", ""),
			Password: getEnv("MODHUB_REDIS_PASSWORD", ""),
			DB:       getEnvInt("MODHUB_REDIS_DB", 0),
		},
		Gateway: GatewayConfig{
			AdminURL:      getEnv("MODHUB_GATEWAY_ADMIN_URL", ""),
			UpstreamURL:   getEnv("MODHUB_GATEWAY_UPSTREAM_URL", "http://localhost:8080"),
			ReconcileSpec: getEnv("MODHUB_GATEWAY_RECONCILE", "@every 5m"),
		},
		Loader: LoaderConfig{
			WorkDir:        getEnv("MODHUB_LOADER_WORKDIR", ""),
			MaxPackageSize: getEnvInt64("MODHUB_MAX_PACKAGE_SIZE", 50<<20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("MODHUB_LOG_LEVEL", "info"),
			Format: getEnv("MODHUB_LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Storage.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid storage driver: %s (must be sqlite3 or postgres)", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage DSN is required")
	}

	if c.Gateway.AdminURL != "" && c.Gateway.UpstreamURL == "" {
		return fmt.Errorf("gateway upstream URL is required when the gateway is enabled")
	}
	if c.Loader.MaxPackageSize <= 0 {
		return fmt.Errorf("max package size must be positive")
	}
	return nil
}

// Addr returns the host:port of the HTTP listener.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
