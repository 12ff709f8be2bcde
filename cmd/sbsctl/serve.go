package main

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/sbs-integration-engine/internal/api"
	"github.com/sbs-integration-engine/internal/setup"
)

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  `Run the HTTP API with transaction streaming until interrupted.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			logger, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			if cfg.Environment == "production" {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx := cmd.Context()
			components, err := setup.Build(ctx, cfg, setup.Options{}, logger)
			if err != nil {
				return err
			}
			defer components.Close()

			server := api.NewServer(cfg.Server, components.APIServices(), components.Hub, logger)
			return server.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override the configured listen port")
	return cmd
}
