// Package mcp exposes the claims pipeline as MCP tools for agent clients.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/pipeline"
	"github.com/sbs-integration-engine/internal/review"
)

// Transport names accepted by Start.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// CodeNormalizer resolves local codes.
type CodeNormalizer interface {
	Normalize(ctx context.Context, facilityID, localCode, description string) (*domain.NormalizationResult, error)
	NormalizeDocument(ctx context.Context, doc *domain.ClaimDocument) (*domain.ClaimDocument, error)
	Forget(ctx context.Context, descriptionKey string)
}

// Verifier checks document signatures.
type Verifier interface {
	Verify(ctx context.Context, doc *domain.ClaimDocument) (*domain.VerificationResult, error)
}

// TransactionReader reads submission state.
type TransactionReader interface {
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	List(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error)
}

// ClaimProcessor runs a claim through every stage.
type ClaimProcessor interface {
	Process(ctx context.Context, req *domain.ClaimRequest) (*pipeline.Result, error)
}

// Services are the components behind the tools. Reviews and Transactions may
// be nil, in which case their tools are not registered.
type Services struct {
	Normalizer   CodeNormalizer
	Pricer       pipeline.Pricer
	Tiers        pipeline.TierResolver
	DefaultTier  int
	Verifier     Verifier
	Pipeline     ClaimProcessor
	Transactions TransactionReader
	Reviews      review.Store
}

// Server represents the SBS MCP tool server.
type Server struct {
	config    domain.MCPConfig
	services  Services
	mcpServer *mcp.Server
	tools     []string
	logger    *logrus.Logger
}

// NewServer creates a new MCP server instance and registers its tools.
func NewServer(config domain.MCPConfig, services Services, logger *logrus.Logger) *Server {
	if config.ServerName == "" {
		config.ServerName = "sbs-integration-engine"
	}
	if config.ServerVersion == "" {
		config.ServerVersion = "v1.0.0"
	}
	if services.DefaultTier <= 0 {
		services.DefaultTier = 1
	}

	server := &Server{
		config:   config,
		services: services,
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    config.ServerName,
			Version: config.ServerVersion,
		}, nil),
		logger: logger,
	}
	server.registerTools()
	return server
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Tools returns the names of the registered tools.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

// Start serves over the named transport until ctx is cancelled or the
// client disconnects.
func (s *Server) Start(ctx context.Context, transport string, httpPort int) error {
	s.logger.WithFields(logrus.Fields{
		"transport": transport,
		"tools":     len(s.tools),
		"name":      s.config.ServerName,
	}).Info("Starting MCP server")

	switch transport {
	case "", TransportStdio:
		if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server failed: %w", err)
		}
		return nil
	case TransportHTTP:
		return s.serveHTTP(ctx, httpPort)
	default:
		return domain.NewValidationError("transport", fmt.Sprintf("unsupported MCP transport %q", transport), transport)
	}
}

func (s *Server) serveHTTP(ctx context.Context, port int) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("MCP HTTP transport failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
