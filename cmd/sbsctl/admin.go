package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sbs-integration-engine/internal/database"
	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/refdata"
	"github.com/sbs-integration-engine/internal/repository"
	"github.com/sbs-integration-engine/internal/review"
	"github.com/sbs-integration-engine/internal/signer"
	"github.com/sbs-integration-engine/internal/signer/keystore"
)

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <document.json>",
		Short: "Verify a signed claim document",
		Long:  `Verify the signature on a claim document against the facility certificate in the key store.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc domain.ClaimDocument
			if err := readJSONFile(args[0], &doc); err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, true)
			if err != nil {
				return err
			}

			keys := keystore.NewFileStore(cfg.Signer.KeystoreDir, nil, logger)
			s := signer.NewSigner(signer.Config{ExcludedFields: cfg.Signer.ExcludedFields}, keys, logger)
			result, err := s.Verify(cmd.Context(), &doc)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("signature invalid: %s", result.Reason)
			}
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	var (
		validDays int
		dir       string
	)

	cmd := &cobra.Command{
		Use:   "keygen <facility-id>",
		Short: "Generate a self-signed signing keypair",
		Long: `Generate a 2048-bit RSA key and self-signed certificate for a facility and
write them to the key store directory. Intended for sandbox use; production
certificates are issued by the clearinghouse.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Signer.KeystoreDir
			}
			facilityID := args[0]

			key, cert, err := keystore.GenerateTestKeypair(facilityID, time.Now(), time.Duration(validDays)*24*time.Hour)
			if err != nil {
				return err
			}
			if err := keystore.WriteKeypair(dir, facilityID, key, cert); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote keypair for %s to %s (serial %X, valid until %s)\n",
				facilityID, filepath.Join(dir, facilityID), cert.SerialNumber, cert.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().IntVar(&validDays, "days", 365, "certificate validity in days")
	cmd.Flags().StringVar(&dir, "dir", "", "key store directory (default: signer.keystore_dir)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, logger, err := migrationRunner()
			if err != nil {
				return err
			}
			defer closeRunner(runner, logger)
			return runner.Up(cmd.Context())
		},
	}
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, logger, err := migrationRunner()
			if err != nil {
				return err
			}
			defer closeRunner(runner, logger)
			return runner.Down(cmd.Context(), steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func migrationRunner() (*database.MigrationRunner, *logrus.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Database.Enabled {
		return nil, nil, fmt.Errorf("database is disabled; set database.enabled to run migrations")
	}
	logger, err := newLogger(cfg, false)
	if err != nil {
		return nil, nil, err
	}
	url := database.ConfigFromDomain(cfg.Database).URL()
	runner, err := database.NewMigrationRunner(url, cfg.Database.MigrationsPath, logger)
	if err != nil {
		return nil, nil, err
	}
	return runner, logger, nil
}

func closeRunner(runner *database.MigrationRunner, logger *logrus.Logger) {
	if err := runner.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close migration runner")
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <reference.yaml>",
		Short: "Load a reference snapshot into PostgreSQL",
		Long:  `Upsert the catalogue, facilities, code mappings, tiers and bundles from a YAML snapshot.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := refdata.Load(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Database.Enabled {
				return fmt.Errorf("database is disabled; set database.enabled to seed reference data")
			}
			logger, err := newLogger(cfg, false)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := database.NewConnection(ctx, database.ConfigFromDomain(cfg.Database), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			snapshot := store.Snapshot()
			if err := repository.NewReferenceRepository(db.Pool, logger).Seed(ctx, snapshot); err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"catalogue":  len(snapshot.Catalogue),
				"facilities": len(snapshot.Facilities),
				"mappings":   len(snapshot.Mappings),
			}).Info("Reference data seeded")
			return nil
		},
	}
}

func reviewsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reviews",
		Short: "Inspect the code review queue",
	}

	export := &cobra.Command{
		Use:   "export [file]",
		Short: "Export review items and learned mappings as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, true)
			if err != nil {
				return err
			}

			databaseURL := ""
			if cfg.Database.Enabled {
				databaseURL = database.ConfigFromDomain(cfg.Database).URL()
			}
			store, err := review.Open(cfg.Review, databaseURL, logger)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("review queue is disabled")
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", args[0], err)
				}
				defer f.Close()
				out = f
			}
			return store.ExportJSON(cmd.Context(), out)
		},
	}

	cmd.AddCommand(export)
	return cmd
}
