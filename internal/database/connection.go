// Package database manages the PostgreSQL connection pool and schema
// migrations for server mode.
package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

// ApplicationName identifies engine sessions in pg_stat_activity.
const ApplicationName = "sbs-integration-engine"

// ErrPoolExhausted is reported by Health when every connection is checked out
// and callers are queueing for one.
var ErrPoolExhausted = errors.New("database connection pool exhausted")

// Config holds pool settings for the reference and transaction stores.
type Config struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
	// StatementTimeout bounds every statement server side; zero leaves the
	// server default.
	StatementTimeout time.Duration
}

// ConfigFromDomain converts the application database settings.
func ConfigFromDomain(cfg domain.DatabaseConfig) Config {
	c := Config{
		Host:             cfg.Host,
		Port:             cfg.Port,
		Database:         cfg.Database,
		Username:         cfg.Username,
		Password:         cfg.Password,
		SSLMode:          cfg.SSLMode,
		MaxConns:         int32(cfg.MaxOpenConns),
		MinConns:         int32(cfg.MaxIdleConns),
		MaxConnLife:      cfg.ConnMaxLifetime,
		MaxConnIdle:      30 * time.Minute,
		StatementTimeout: cfg.StatementTimeout,
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		c.MinConns = 0
	}
	if c.MaxConnLife == 0 {
		c.MaxConnLife = time.Hour
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	return c
}

// URL returns the connection string used by migrations, database/sql
// drivers and the pool.
func (c Config) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func (c Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.URL())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	pc.MaxConns = c.MaxConns
	pc.MinConns = c.MinConns
	pc.MaxConnLifetime = c.MaxConnLife
	pc.MaxConnIdleTime = c.MaxConnIdle

	params := pc.ConnConfig.RuntimeParams
	params["application_name"] = ApplicationName
	if c.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}

// DB is the shared pool behind the PostgreSQL stores.
type DB struct {
	Pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewConnection opens the pool and verifies it with a ping.
func NewConnection(ctx context.Context, config Config, logger *logrus.Logger) (*DB, error) {
	pc, err := config.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":              config.Host,
		"database":          config.Database,
		"max_conns":         config.MaxConns,
		"statement_timeout": config.StatementTimeout.String(),
	}).Info("Connected to PostgreSQL")

	return &DB{Pool: pool, log: logger}, nil
}

// Close releases every pooled connection.
func (db *DB) Close() {
	if db.Pool == nil {
		return
	}
	db.Pool.Close()
	db.log.Info("PostgreSQL pool closed")
}

// Health pings the server and fails when the pool is saturated with waiters.
func (db *DB) Health(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return err
	}
	stat := db.Pool.Stat()
	if stat.AcquiredConns() >= stat.MaxConns() && stat.EmptyAcquireCount() > 0 {
		db.log.WithFields(logrus.Fields{
			"acquired":      stat.AcquiredConns(),
			"max":           stat.MaxConns(),
			"empty_acquire": stat.EmptyAcquireCount(),
		}).Warn("Database pool saturated")
		return ErrPoolExhausted
	}
	return nil
}

// Stats returns pool statistics.
func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
