// Package dbtest starts a migrated PostgreSQL container for integration tests.
package dbtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sbs-integration-engine/internal/database"
)

// Postgres is a running test database.
type Postgres struct {
	DB     *database.DB
	Config database.Config
}

// URL returns the connection string for database/sql drivers.
func (p *Postgres) URL() string {
	return p.Config.URL()
}

// generateTestPassword creates a random password for test databases
func generateTestPassword() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(b)
}

// MigrationsPath returns the absolute path of the repository migrations.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
}

// Start runs a PostgreSQL container with all migrations applied. The test is
// skipped under -short or when no container runtime is available. Cleanup is
// registered on t.
func Start(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()
	password := generateTestPassword()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("sbs_test"),
		postgres.WithUsername("sbs"),
		postgres.WithPassword(password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	config := database.Config{
		Host:             host,
		Port:             port.Int(),
		Database:         "sbs_test",
		Username:         "sbs",
		Password:         password,
		SSLMode:          "disable",
		MaxConns:         10,
		MinConns:         1,
		MaxConnLife:      time.Hour,
		MaxConnIdle:      30 * time.Minute,
		StatementTimeout: 30 * time.Second,
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	runner, err := database.NewMigrationRunner(config.URL(), MigrationsPath(), logger)
	if err != nil {
		t.Fatalf("Failed to create migration runner: %v", err)
	}
	if err := runner.Up(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	runner.Close()

	db, err := database.NewConnection(ctx, config, logger)
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}
	t.Cleanup(db.Close)

	return &Postgres{DB: db, Config: config}
}
