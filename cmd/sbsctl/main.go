// Command sbsctl runs and administers the SBS integration engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sbs-integration-engine/internal/config"
	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/logging"
)

var (
	cfgFile    string
	standalone bool
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "sbsctl",
		Short: "SBS claims integration engine",
		Long: `sbsctl normalizes facility claims to SBS codes, prices them against the
CHI tier rules, signs them and submits them to NPHIES.

Without --standalone, configuration is read from config.yaml and SBS_*
environment variables. With --standalone, only SBS_* environment variables
are used and no database is required.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or ./configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&standalone, "standalone", false, "use the file-based standalone configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(reviewsCmd())
	rootCmd.AddCommand(mcpCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig returns the configuration selected by the global flags.
func loadConfig() (*domain.Config, error) {
	if standalone {
		lite := config.LoadLiteConfig()
		if err := lite.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return lite.ToConfig(), nil
	}

	manager, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := manager.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return manager.GetConfig(), nil
}

// newLogger builds the logger for a command. Commands that write results to
// stdout log to stderr.
func newLogger(cfg *domain.Config, toStderr bool) (*logrus.Logger, error) {
	lc := cfg.Logging
	if logLevel != "" {
		lc.Level = logLevel
	}
	if toStderr && (lc.Output == "" || lc.Output == "stdout") {
		lc.Output = "stderr"
	}
	return logging.New(lc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readInput(path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func readJSONFile(path string, v any) error {
	data, err := readInput(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
