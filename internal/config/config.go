package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sbs-integration-engine/internal/database"
	"github.com/sbs-integration-engine/internal/domain"
)

// EnvPrefix is the prefix for environment overrides, e.g. SBS_SERVER_PORT.
const EnvPrefix = "SBS"

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

// NewManager loads configuration from configFile, or from config.yaml in the
// standard search paths when configFile is empty.
func NewManager(configFile string) (*Manager, error) {
	m := &Manager{configFile: configFile}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sbs-integration-engine/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read configuration file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if m.configFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "sbs_integration")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.statement_timeout", "30s")
	v.SetDefault("database.migrations_path", "migrations")

	// Cache defaults
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "24h")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")
	v.SetDefault("cache.memory_items", 10000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.filename", "")

	// Reference data defaults
	v.SetDefault("reference.source", "file")
	v.SetDefault("reference.file", "configs/reference.yaml")

	// Stage defaults
	v.SetDefault("normalizer.acceptance_floor", 0.8)
	v.SetDefault("normalizer.min_similarity", 0.3)
	v.SetDefault("normalizer.concurrency", 8)

	v.SetDefault("pricing.default_tier", 1)
	v.SetDefault("pricing.default_quantity_limit", 1)

	v.SetDefault("signer.keystore_dir", "keys")
	v.SetDefault("signer.excluded_fields", []string{})
	v.SetDefault("signer.expiry_warning_days", 30)

	v.SetDefault("clearinghouse.environment", "sandbox")
	v.SetDefault("clearinghouse.base_url", "")
	v.SetDefault("clearinghouse.timeout", "0s")
	v.SetDefault("clearinghouse.rate_limit", 10)
	v.SetDefault("clearinghouse.max_response_bytes", 10<<20)
	v.SetDefault("clearinghouse.breaker_requests", 3)
	v.SetDefault("clearinghouse.breaker_interval", "60s")
	v.SetDefault("clearinghouse.breaker_timeout", "30s")

	v.SetDefault("gateway.base_delay", "1s")
	v.SetDefault("gateway.max_delay", "30s")
	v.SetDefault("gateway.max_attempts", 3)
	v.SetDefault("gateway.jitter_fraction", 0.1)
	v.SetDefault("gateway.inflight_timeout", "2m")
	v.SetDefault("gateway.poll_interval", "1s")

	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.block_on_review", false)
	v.SetDefault("pipeline.submit_invalid", false)

	v.SetDefault("review.driver", "sqlite")
	v.SetDefault("review.sqlite_path", "data/review.db")

	v.SetDefault("mcp.server_name", "sbs-integration-engine")
	v.SetDefault("mcp.server_version", "1.0.0")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// ConfigFileUsed returns the file the configuration was read from, if any.
func (m *Manager) ConfigFileUsed() string {
	return m.v.ConfigFileUsed()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.TLSEnabled && (config.Server.CertFile == "" || config.Server.KeyFile == "") {
		return fmt.Errorf("TLS requires cert_file and key_file")
	}

	if config.Database.Enabled {
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	}

	switch config.Reference.Source {
	case "file":
		if config.Reference.File == "" {
			return fmt.Errorf("reference.file is required for file reference source")
		}
	case "postgres":
		if !config.Database.Enabled {
			return fmt.Errorf("postgres reference source requires database.enabled")
		}
	default:
		return fmt.Errorf("invalid reference source: %s", config.Reference.Source)
	}

	switch config.Review.Driver {
	case "sqlite", "none", "":
	case "postgres":
		if !config.Database.Enabled {
			return fmt.Errorf("postgres review driver requires database.enabled")
		}
	default:
		return fmt.Errorf("invalid review driver: %s", config.Review.Driver)
	}

	if f := config.Normalizer.AcceptanceFloor; f < 0 || f > 1 {
		return fmt.Errorf("normalizer acceptance_floor must be within [0,1], got %v", f)
	}
	if config.Pricing.DefaultTier <= 0 {
		return fmt.Errorf("pricing default_tier must be positive, got %d", config.Pricing.DefaultTier)
	}

	switch config.Clearinghouse.Environment {
	case "sandbox", "production":
	default:
		return fmt.Errorf("invalid clearinghouse environment: %s", config.Clearinghouse.Environment)
	}

	if config.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("gateway max_attempts must be at least 1, got %d", config.Gateway.MaxAttempts)
	}
	if config.Gateway.MaxDelay > 0 && config.Gateway.BaseDelay > config.Gateway.MaxDelay {
		return fmt.Errorf("gateway base_delay %s exceeds max_delay %s", config.Gateway.BaseDelay, config.Gateway.MaxDelay)
	}
	if config.Gateway.JitterFraction >= 1 {
		return fmt.Errorf("gateway jitter_fraction must be below 1, got %v", config.Gateway.JitterFraction)
	}
	// the submission lease must outlive one attempt plus the longest backoff
	if lease := config.Gateway.InflightTimeout; lease > 0 {
		attempt := config.Clearinghouse.Timeout
		if attempt == 0 {
			attempt = 60 * time.Second
		}
		wait := time.Duration(float64(config.Gateway.MaxDelay) * (1 + config.Gateway.JitterFraction))
		if lease <= attempt+wait {
			return fmt.Errorf("gateway inflight_timeout %s must exceed clearinghouse timeout %s plus max backoff %s", lease, attempt, wait)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseURL returns the database connection URL, or "" when the
// database is disabled.
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	if !db.Enabled {
		return ""
	}
	return database.ConfigFromDomain(db).URL()
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.config.Environment)
	return env == "development" || env == "dev" || env == ""
}
