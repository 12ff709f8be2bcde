// Package config loads engine configuration.
// This file contains the lightweight configuration for standalone operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sbs-integration-engine/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external databases and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir       string // Base directory for the review queue and exports
	ReferenceFile string // YAML reference snapshot
	KeystoreDir   string // Per-facility key and certificate directories

	// Cache settings
	CacheMaxItems int           // Maximum items in memory cache
	CacheTTL      time.Duration // Default cache TTL

	// Clearinghouse
	ClearinghouseEnv string // sandbox or production
	ClearinghouseURL string // Optional base URL override

	// Transport settings
	Transport string // Transport type: stdio, http
	HTTPPort  int    // HTTP port (if transport is http)

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".sbs-engine")

	return &LiteConfig{
		DataDir:          dataDir,
		ReferenceFile:    "configs/reference.yaml",
		KeystoreDir:      filepath.Join(dataDir, "keys"),
		CacheMaxItems:    1000,
		CacheTTL:         24 * time.Hour,
		ClearinghouseEnv: "sandbox",
		Transport:        "stdio",
		HTTPPort:         8080,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("SBS_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.KeystoreDir = filepath.Join(v, "keys")
	}
	if v := os.Getenv("SBS_REFERENCE_FILE"); v != "" {
		cfg.ReferenceFile = v
	}
	if v := os.Getenv("SBS_KEYSTORE_DIR"); v != "" {
		cfg.KeystoreDir = v
	}

	// Cache settings
	if v := os.Getenv("SBS_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("SBS_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	if v := os.Getenv("SBS_CLEARINGHOUSE_ENV"); v != "" {
		cfg.ClearinghouseEnv = v
	}
	cfg.ClearinghouseURL = os.Getenv("SBS_CLEARINGHOUSE_URL")

	// Transport
	if v := os.Getenv("SBS_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("SBS_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	// Logging
	if v := os.Getenv("SBS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SBS_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// ReviewDBPath returns the path to the review queue SQLite database.
func (c *LiteConfig) ReviewDBPath() string {
	return filepath.Join(c.DataDir, "review.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}

// ToConfig expands the lite settings into a full configuration with the
// database disabled, file reference data and a SQLite review queue.
func (c *LiteConfig) ToConfig() *domain.Config {
	return &domain.Config{
		Environment: "standalone",
		Server: domain.ServerConfig{
			Host:           "127.0.0.1",
			Port:           c.HTTPPort,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			RequestTimeout: 60 * time.Second,
		},
		Cache: domain.CacheConfig{
			DefaultTTL:  c.CacheTTL,
			MemoryItems: c.CacheMaxItems,
		},
		Logging: domain.LoggingConfig{
			Level:  c.LogLevel,
			Format: c.LogFormat,
			Output: "stderr",
		},
		Reference: domain.ReferenceConfig{
			Source: "file",
			File:   c.ReferenceFile,
		},
		Pricing: domain.PricingConfig{
			DefaultTier:          1,
			DefaultQuantityLimit: 1,
		},
		Signer: domain.SignerConfig{
			KeystoreDir: c.KeystoreDir,
		},
		Clearinghouse: domain.ClearinghouseConfig{
			Environment: c.ClearinghouseEnv,
			BaseURL:     c.ClearinghouseURL,
		},
		Gateway: domain.GatewayConfig{
			MaxAttempts: 3,
		},
		Pipeline: domain.PipelineConfig{
			Concurrency: 4,
		},
		Review: domain.ReviewConfig{
			Driver:     "sqlite",
			SQLitePath: c.ReviewDBPath(),
		},
		MCP: domain.MCPConfig{
			ServerName:    "sbs-integration-engine",
			ServerVersion: "1.0.0",
		},
	}
}
