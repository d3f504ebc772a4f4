// Package config loads and validates pgtrail configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the PGTRAIL_ prefix (e.g.,
// PGTRAIL_DATABASE_HOST overrides database.host in the YAML). This layering
// lets the same binary run with a config.yaml in local development and with
// pure environment variables in containerized deployments.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	History   HistoryConfig   `mapstructure:"history"`
	Export    ExportConfig    `mapstructure:"export"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// HistoryConfig holds capture behavior configuration
type HistoryConfig struct {
	// Middleware configures the optional HTTP tracking middleware.
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// MiddlewareConfig holds settings for the HTTP tracking middleware. Methods
// lists the HTTP methods that open a tracking scope; requests with other
// methods pass through untracked.
type MiddlewareConfig struct {
	Methods []string `mapstructure:"methods"`
}

// TracksMethod reports whether the middleware opens a tracking scope for the
// given HTTP method.
func (m *MiddlewareConfig) TracksMethod(method string) bool {
	for _, allowed := range m.Methods {
		if strings.EqualFold(allowed, method) {
			return true
		}
	}
	return false
}

// ExportConfig holds event export configuration
type ExportConfig struct {
	// Enabled globally toggles export shipping.
	Enabled bool `mapstructure:"enabled"`
	// Destinations selects the active shippers: "file", "webhook".
	Destinations []string            `mapstructure:"destinations"`
	File         ExportFileConfig    `mapstructure:"file"`
	Webhook      ExportWebhookConfig `mapstructure:"webhook"`
}

// ExportFileConfig holds file shipper configuration
type ExportFileConfig struct {
	Path string `mapstructure:"path"`
}

// ExportWebhookConfig holds webhook shipper configuration
type ExportWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; since every key here is a non-empty hardcoded string, any error
// indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",

		// History
		"history.middleware.methods",

		// Export
		"export.enabled",
		"export.destinations",
		"export.file.path",
		"export.webhook.url",
		"export.webhook.timeout_secs",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pgtrail")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("PGTRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in sensitive fields so secrets can live in
	// the environment while the YAML stays checked in.
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "pgtrail")
	v.SetDefault("database.user", "pgtrail")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "pgtrail")

	// History defaults. GET requests read, they do not mutate, so only
	// mutating methods open a tracking scope out of the box.
	v.SetDefault("history.middleware.methods", []string{"POST", "PUT", "PATCH", "DELETE"})

	// Export defaults
	v.SetDefault("export.enabled", false)
	v.SetDefault("export.destinations", []string{})
	v.SetDefault("export.webhook.timeout_secs", 10)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	for _, d := range c.Export.Destinations {
		switch d {
		case "file":
			if c.Export.File.Path == "" {
				return fmt.Errorf("export.file.path is required when the file destination is enabled")
			}
		case "webhook":
			if c.Export.Webhook.URL == "" {
				return fmt.Errorf("export.webhook.url is required when the webhook destination is enabled")
			}
		default:
			return fmt.Errorf("invalid export destination: %s (must be file or webhook)", d)
		}
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}
