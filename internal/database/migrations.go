package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// DefaultMigrationsPath is the schema directory relative to the repository root.
const DefaultMigrationsPath = "migrations"

// MigrationRunner applies the SQL files under migrations/.
type MigrationRunner struct {
	migrate *migrate.Migrate
	log     *logrus.Logger
}

// migrateLogger routes golang-migrate output through logrus.
type migrateLogger struct {
	log *logrus.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf("migrate: "+format, v...)
}

func (l migrateLogger) Verbose() bool {
	return l.log.IsLevelEnabled(logrus.DebugLevel)
}

// NewMigrationRunner creates a runner for the given database URL.
func NewMigrationRunner(databaseURL, migrationsPath string, logger *logrus.Logger) (*MigrationRunner, error) {
	if migrationsPath == "" {
		migrationsPath = DefaultMigrationsPath
	}
	abs, err := filepath.Abs(migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("resolving migrations path: %w", err)
	}

	m, err := migrate.New("file://"+filepath.ToSlash(abs), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating migration instance: %w", err)
	}
	m.Log = migrateLogger{log: logger}

	return &MigrationRunner{
		migrate: m,
		log:     logger,
	}, nil
}

// Up applies all pending migrations. Cancelling ctx stops after the
// migration in progress.
func (mr *MigrationRunner) Up(ctx context.Context) error {
	mr.log.Info("Running database migrations up")
	if err := mr.run(ctx, mr.migrate.Up); err != nil {
		return fmt.Errorf("running migrations up: %w", err)
	}
	mr.logVersion("Migrations completed")
	return nil
}

// Down rolls back the given number of migrations.
func (mr *MigrationRunner) Down(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	mr.log.WithField("steps", steps).Info("Rolling back migrations")
	if err := mr.run(ctx, func() error { return mr.migrate.Steps(-steps) }); err != nil {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	mr.logVersion("Migrations rolled back")
	return nil
}

func (mr *MigrationRunner) run(ctx context.Context, fn func() error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			select {
			case mr.migrate.GracefulStop <- true:
			default:
			}
		case <-done:
		}
	}()

	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		mr.log.Info("No migrations to apply")
		return nil
	}
	return err
}

func (mr *MigrationRunner) logVersion(msg string) {
	version, dirty, err := mr.migrate.Version()
	if err != nil {
		if !errors.Is(err, migrate.ErrNilVersion) {
			mr.log.WithError(err).Warn("Could not read migration version")
		}
		return
	}
	mr.log.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info(msg)
}

// Version returns the current migration version
func (mr *MigrationRunner) Version() (uint, bool, error) {
	return mr.migrate.Version()
}

// Close closes the migration runner
func (mr *MigrationRunner) Close() error {
	sourceErr, dbErr := mr.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("closing migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("closing migration database: %w", dbErr)
	}
	return nil
}
