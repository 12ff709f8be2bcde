package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/sbs-integration-engine/internal/api"
	"github.com/sbs-integration-engine/internal/config"
	"github.com/sbs-integration-engine/internal/logging"
	"github.com/sbs-integration-engine/internal/setup"
)

func main() {
	configFile := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// Load configuration
	configManager, err := config.NewManager(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}
	cfg := configManager.GetConfig()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	if configManager.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := setup.Build(ctx, cfg, setup.Options{}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialise engine")
	}
	defer components.Close()

	server := api.NewServer(cfg.Server, components.APIServices(), components.Hub, logger)
	logger.WithField("config_file", configManager.ConfigFileUsed()).Info("Starting SBS integration engine")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		components.Close()
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
