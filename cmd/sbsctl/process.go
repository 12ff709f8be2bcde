package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/setup"
)

func processCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "process <claim.json>",
		Short: "Run claims through the pipeline",
		Long: `Normalize, price, sign and submit the claims in a JSON file. The file
holds one claim object or an array of claims; "-" reads standard input.
With --dry-run the pipeline stops after signing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claims, err := readClaims(args[0])
			if err != nil {
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

			ctx := cmd.Context()
			components, err := setup.Build(ctx, cfg, setup.Options{DryRun: dryRun}, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			if len(claims) == 1 {
				result, err := components.Pipeline.Process(ctx, claims[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			}

			results, err := components.Pipeline.ProcessBatch(ctx, claims)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			failed := 0
			for _, r := range results {
				if r.Error != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d claims failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after signing without submitting")
	return cmd
}

func readClaims(path string) ([]*domain.ClaimRequest, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}

	var claims []*domain.ClaimRequest
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &claims)
	} else {
		var claim domain.ClaimRequest
		err = json.Unmarshal(trimmed, &claim)
		claims = append(claims, &claim)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(claims) == 0 {
		return nil, fmt.Errorf("%s contains no claims", path)
	}
	return claims, nil
}
