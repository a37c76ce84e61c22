// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
)

// Config holds all runtime configuration.
type Config struct {
	// Storage settings.
	StoreKind   string // "memory", "sqlite", or "postgres"
	SQLitePath  string // database file for the sqlite backend
	DatabaseURL string // Postgres DSN for the postgres backend

	// Generation provider settings.
	GenerationProvider string // "auto", "ollama", or "noop"
	OllamaURL          string
	OllamaModel        string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		StoreKind:          envStr("SHINKA_STORE", "sqlite"),
		SQLitePath:         envStr("SHINKA_SQLITE_PATH", "shinka.db"),
		DatabaseURL:        envStr("DATABASE_URL", ""),
		GenerationProvider: envStr("SHINKA_GENERATION_PROVIDER", "auto"),
		OllamaURL:          envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:        envStr("OLLAMA_MODEL", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "shinka"),
		LogLevel:           envStr("SHINKA_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	switch c.StoreKind {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: SHINKA_STORE must be memory, sqlite, or postgres, got %q", c.StoreKind)
	}
	if c.StoreKind == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required when SHINKA_STORE=postgres")
	}
	if c.StoreKind == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("config: SHINKA_SQLITE_PATH is required when SHINKA_STORE=sqlite")
	}
	switch c.GenerationProvider {
	case "auto", "ollama", "noop":
	default:
		return fmt.Errorf("config: SHINKA_GENERATION_PROVIDER must be auto, ollama, or noop, got %q", c.GenerationProvider)
	}
	return nil
}

// StorePath returns the backend-specific path for storage.Open.
func (c Config) StorePath() string {
	switch c.StoreKind {
	case "sqlite":
		return c.SQLitePath
	case "postgres":
		return c.DatabaseURL
	default:
		return ""
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
