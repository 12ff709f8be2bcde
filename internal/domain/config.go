package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Reference     ReferenceConfig     `mapstructure:"reference"`
	Normalizer    NormalizerConfig    `mapstructure:"normalizer"`
	Pricing       PricingConfig       `mapstructure:"pricing"`
	Signer        SignerConfig        `mapstructure:"signer"`
	Clearinghouse ClearinghouseConfig `mapstructure:"clearinghouse"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Review        ReviewConfig        `mapstructure:"review"`
	MCP           MCPConfig           `mapstructure:"mcp"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	CertFile       string        `mapstructure:"cert_file"`
	KeyFile        string        `mapstructure:"key_file"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Database         string        `mapstructure:"database"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	SSLMode          string        `mapstructure:"ssl_mode"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	MigrationsPath   string        `mapstructure:"migrations_path"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
	MemoryItems int           `mapstructure:"memory_items"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	Filename string `mapstructure:"filename"`
}

// ReferenceConfig selects where reference data is loaded from.
type ReferenceConfig struct {
	Source string `mapstructure:"source"` // "postgres", "file"
	File   string `mapstructure:"file"`
}

// NormalizerConfig tunes code normalization.
type NormalizerConfig struct {
	AcceptanceFloor float64 `mapstructure:"acceptance_floor"`
	MinSimilarity   float64 `mapstructure:"min_similarity"`
	Concurrency     int     `mapstructure:"concurrency"`
}

// PricingConfig tunes the financial rules engine.
type PricingConfig struct {
	DefaultTier          int `mapstructure:"default_tier"`
	DefaultQuantityLimit int `mapstructure:"default_quantity_limit"`
}

// SignerConfig configures document signing.
type SignerConfig struct {
	KeystoreDir       string   `mapstructure:"keystore_dir"`
	ExcludedFields    []string `mapstructure:"excluded_fields"`
	ExpiryWarningDays int      `mapstructure:"expiry_warning_days"`
}

// ClearinghouseConfig configures the NPHIES HTTP client.
type ClearinghouseConfig struct {
	Environment      string        `mapstructure:"environment"` // "sandbox", "production"
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RateLimit        int           `mapstructure:"rate_limit"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	BreakerRequests  uint32        `mapstructure:"breaker_requests"`
	BreakerInterval  time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// GatewayConfig configures the submission retry policy.
type GatewayConfig struct {
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	JitterFraction  float64       `mapstructure:"jitter_fraction"`
	InflightTimeout time.Duration `mapstructure:"inflight_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

// PipelineConfig controls orchestration of the four stages.
type PipelineConfig struct {
	Concurrency   int  `mapstructure:"concurrency"`
	BlockOnReview bool `mapstructure:"block_on_review"`
	SubmitInvalid bool `mapstructure:"submit_invalid"`
}

// ReviewConfig selects the review queue backend.
type ReviewConfig struct {
	Driver     string `mapstructure:"driver"` // "sqlite", "postgres", "none"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// MCPConfig represents MCP tool server configuration
type MCPConfig struct {
	ServerName    string `mapstructure:"server_name"`
	ServerVersion string `mapstructure:"server_version"`
}
