// Package api exposes the claims pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/gateway"
	"github.com/sbs-integration-engine/internal/middleware"
	"github.com/sbs-integration-engine/internal/pipeline"
	"github.com/sbs-integration-engine/internal/review"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// CodeNormalizer resolves local codes.
type CodeNormalizer interface {
	Normalize(ctx context.Context, facilityID, localCode, description string) (*domain.NormalizationResult, error)
	NormalizeDocument(ctx context.Context, doc *domain.ClaimDocument) (*domain.ClaimDocument, error)
	Forget(ctx context.Context, descriptionKey string)
}

// DocumentSigner signs and verifies documents.
type DocumentSigner interface {
	Sign(ctx context.Context, doc *domain.ClaimDocument, facilityID string) (*domain.ClaimDocument, error)
	Verify(ctx context.Context, doc *domain.ClaimDocument) (*domain.VerificationResult, error)
}

// Submissions delivers documents and tracks their transactions.
type Submissions interface {
	Submit(ctx context.Context, req gateway.SubmitRequest) (*domain.Transaction, error)
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	List(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error)
	Cancel(id string) bool
	InFlight(id string) bool
}

// ClaimProcessor runs claims through every stage.
type ClaimProcessor interface {
	Process(ctx context.Context, req *domain.ClaimRequest) (*pipeline.Result, error)
	ProcessBatch(ctx context.Context, reqs []*domain.ClaimRequest) ([]pipeline.BatchResult, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Services are the components the API dispatches to. Reviews may be nil
// when the review queue is disabled.
type Services struct {
	Normalizer  CodeNormalizer
	Pricer      pipeline.Pricer
	Tiers       pipeline.TierResolver
	DefaultTier int
	Signer      DocumentSigner
	Submissions Submissions
	Pipeline    ClaimProcessor
	Reviews     review.Store
	Checks      map[string]HealthCheck
}

// Server represents the HTTP server
type Server struct {
	config   domain.ServerConfig
	services Services
	hub      *StreamHub
	router   *gin.Engine
	server   *http.Server
	logger   *logrus.Logger
}

// NewServer creates a new HTTP server instance. The hub should also be
// registered as the gateway's notifier so streams receive updates.
func NewServer(config domain.ServerConfig, services Services, hub *StreamHub, logger *logrus.Logger) *Server {
	if hub == nil {
		hub = NewStreamHub(logger)
	}
	if services.DefaultTier <= 0 {
		services.DefaultTier = 1
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(corsMiddleware())

	server := &Server{
		config:   config,
		services: services,
		hub:      hub,
		router:   router,
		logger:   logger,
	}
	server.setupRoutes()
	return server
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the transaction stream hub.
func (s *Server) Hub() *StreamHub {
	return s.hub
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.WithFields(logrus.Fields{
		"addr": addr,
		"tls":  s.config.TLSEnabled,
	}).Info("HTTP server listening")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	// Streams are long-lived and stay outside the request deadline.
	v1.GET("/transactions/:id/stream", s.handleTransactionStream)

	timed := v1.Group("", middleware.RequestTimeout(s.config.RequestTimeout))
	{
		timed.POST("/normalize", s.handleNormalize)
		timed.POST("/validate", s.handleValidate)
		timed.POST("/sign", s.handleSign)
		timed.POST("/verify", s.handleVerify)
		timed.POST("/submit", s.handleSubmit)
		timed.POST("/claims", s.handleProcessClaim)
		timed.POST("/claims/batch", s.handleProcessBatch)

		timed.GET("/transactions", s.handleListTransactions)
		timed.GET("/transactions/:id", s.handleGetTransaction)
		timed.POST("/transactions/:id/cancel", s.handleCancelTransaction)

		timed.GET("/reviews", s.handleListReviews)
		timed.POST("/reviews/:id/resolve", s.handleResolveReview)
	}
}

// handleHealth runs the registered dependency checks.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := make(map[string]string, len(s.services.Checks))
	for name, check := range s.services.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"checks":    checks,
	})
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Request-ID, X-Facility-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
