// Package setup assembles the engine's components from configuration and
// registers the MCP server with desktop agent clients.
package setup

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/api"
	"github.com/sbs-integration-engine/internal/database"
	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/gateway"
	"github.com/sbs-integration-engine/internal/mcp"
	"github.com/sbs-integration-engine/internal/normalizer"
	"github.com/sbs-integration-engine/internal/pipeline"
	"github.com/sbs-integration-engine/internal/refdata"
	"github.com/sbs-integration-engine/internal/repository"
	"github.com/sbs-integration-engine/internal/review"
	"github.com/sbs-integration-engine/internal/rules"
	"github.com/sbs-integration-engine/internal/signer"
	"github.com/sbs-integration-engine/internal/signer/keystore"
	"github.com/sbs-integration-engine/pkg/clearinghouse"
)

// ReferenceSource is everything the normalizer and rules engine read.
type ReferenceSource interface {
	domain.CodeMappingStore
	domain.CatalogueSource
	domain.ReferenceDataStore
}

// Components holds the wired engine.
type Components struct {
	Config       *domain.Config
	DB           *database.DB
	Redis        *redis.Client
	Reference    ReferenceSource
	Reviews      review.Store
	Normalizer   *normalizer.Service
	Engine       *rules.Engine
	Keys         domain.KeyStore
	Signer       *signer.Signer
	Transport    domain.ClearinghouseTransport
	Transactions domain.TransactionStore
	Gateway      *gateway.Gateway
	Hub          *api.StreamHub
	Pipeline     *pipeline.Pipeline

	logger  *logrus.Logger
	closers []func()
}

// Options override individual components.
type Options struct {
	// Transport replaces the NPHIES HTTP client.
	Transport domain.ClearinghouseTransport
	// Keys replaces the file key store.
	Keys domain.KeyStore
	// DryRun stops the pipeline after signing.
	DryRun bool
}

// Build connects to the configured backends and wires every stage. Close
// releases what Build opened, including on error.
func Build(ctx context.Context, cfg *domain.Config, opts Options, logger *logrus.Logger) (*Components, error) {
	c := &Components{Config: cfg, logger: logger}
	if err := c.build(ctx, opts); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context, opts Options) error {
	cfg := c.Config

	if cfg.Database.Enabled {
		db, err := database.NewConnection(ctx, database.ConfigFromDomain(cfg.Database), c.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		c.DB = db
		c.closers = append(c.closers, db.Close)
	}

	if cfg.Cache.RedisURL != "" {
		client, err := normalizer.NewRedisClient(cfg.Cache)
		if err != nil {
			return err
		}
		c.Redis = client
		c.closers = append(c.closers, func() { client.Close() })
	}

	reference, err := c.openReference()
	if err != nil {
		return err
	}
	c.Reference = reference

	databaseURL := ""
	if cfg.Database.Enabled {
		databaseURL = database.ConfigFromDomain(cfg.Database).URL()
	}
	reviews, err := review.Open(cfg.Review, databaseURL, c.logger)
	if err != nil {
		return err
	}
	if reviews != nil {
		c.Reviews = reviews
		c.closers = append(c.closers, func() { reviews.Close() })
	}

	deps := normalizer.Dependencies{
		Mappings:  reference,
		Catalogue: reference,
		Cache:     normalizer.NewCache(cfg.Cache, c.Redis, c.logger),
	}
	if c.Reviews != nil {
		deps.Learned = c.Reviews
		deps.Queue = c.Reviews
	}
	c.Normalizer = normalizer.NewService(normalizer.Config{
		AcceptanceFloor: cfg.Normalizer.AcceptanceFloor,
		MinSimilarity:   cfg.Normalizer.MinSimilarity,
		Concurrency:     cfg.Normalizer.Concurrency,
	}, deps, c.logger)

	refCtx, err := rules.LoadReferenceContext(ctx, reference, cfg.Pricing.DefaultTier, cfg.Pricing.DefaultQuantityLimit)
	if err != nil {
		return fmt.Errorf("failed to load pricing reference data: %w", err)
	}
	c.Engine = rules.NewEngine(refCtx, c.logger)

	c.Keys = opts.Keys
	if c.Keys == nil {
		if cfg.Signer.KeystoreDir == "" {
			return domain.NewConfigurationError("signer.keystore_dir is required")
		}
		c.Keys = keystore.NewFileStore(cfg.Signer.KeystoreDir, nil, c.logger)
	}
	c.Signer = signer.NewSigner(signer.Config{
		ExcludedFields:    cfg.Signer.ExcludedFields,
		ExpiryWarningDays: cfg.Signer.ExpiryWarningDays,
	}, c.Keys, c.logger)

	c.Transport = opts.Transport
	if c.Transport == nil {
		c.Transport = clearinghouse.NewClient(cfg.Clearinghouse, c.logger)
	}
	if c.DB != nil {
		c.Transactions = repository.NewTransactionRepository(c.DB.Pool, c.logger)
	} else {
		c.Transactions = repository.NewMemoryTransactionStore()
	}
	c.Hub = api.NewStreamHub(c.logger)
	c.Gateway = gateway.NewGateway(gateway.ConfigFromDomain(cfg.Gateway), c.Transport, c.Transactions, c.logger).
		WithNotifier(c.Hub)

	pcfg := pipeline.ConfigFromDomain(cfg.Pipeline, cfg.Pricing.DefaultTier)
	pcfg.DryRun = opts.DryRun
	c.Pipeline = pipeline.New(pcfg, pipeline.Stages{
		Normalizer: c.Normalizer,
		Pricer:     c.Engine,
		Signer:     c.Signer,
		Submitter:  c.Gateway,
		Tiers:      reference,
	}, c.logger)

	c.logger.WithFields(logrus.Fields{
		"reference":    cfg.Reference.Source,
		"database":     c.DB != nil,
		"redis":        c.Redis != nil,
		"review_queue": c.Reviews != nil,
		"dry_run":      opts.DryRun,
	}).Info("Engine components ready")
	return nil
}

func (c *Components) openReference() (ReferenceSource, error) {
	switch c.Config.Reference.Source {
	case "", "file":
		path := c.Config.Reference.File
		if path == "" {
			return nil, domain.NewConfigurationError("reference.file is required for file reference data")
		}
		store, err := refdata.Load(path)
		if err != nil {
			return nil, err
		}
		c.logger.WithField("path", path).Info("Loaded reference data from file")
		return store, nil
	case "postgres":
		if c.DB == nil {
			return nil, domain.NewConfigurationError("postgres reference data requires database.enabled")
		}
		return repository.NewReferenceRepository(c.DB.Pool, c.logger), nil
	default:
		return nil, domain.NewConfigurationError(fmt.Sprintf("unknown reference source %q", c.Config.Reference.Source))
	}
}

// APIServices returns the HTTP API's view of the components.
func (c *Components) APIServices() api.Services {
	return api.Services{
		Normalizer:  c.Normalizer,
		Pricer:      c.Engine,
		Tiers:       c.Reference,
		DefaultTier: c.Config.Pricing.DefaultTier,
		Signer:      c.Signer,
		Submissions: c.Gateway,
		Pipeline:    c.Pipeline,
		Reviews:     c.Reviews,
		Checks:      c.HealthChecks(),
	}
}

// MCPServices returns the MCP tool server's view of the components.
func (c *Components) MCPServices() mcp.Services {
	return mcp.Services{
		Normalizer:   c.Normalizer,
		Pricer:       c.Engine,
		Tiers:        c.Reference,
		DefaultTier:  c.Config.Pricing.DefaultTier,
		Verifier:     c.Signer,
		Pipeline:     c.Pipeline,
		Transactions: c.Gateway,
		Reviews:      c.Reviews,
	}
}

// HealthChecks returns a probe per external dependency.
func (c *Components) HealthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{}
	if c.DB != nil {
		checks["database"] = c.DB.Health
	}
	if c.Redis != nil {
		client := c.Redis
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	if client, ok := c.Transport.(*clearinghouse.Client); ok {
		checks["clearinghouse"] = func(context.Context) error {
			if state := client.BreakerState(); state == "open" {
				return errors.New("circuit breaker open")
			}
			return nil
		}
	}
	return checks
}

// Close releases connections in reverse order of opening.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
