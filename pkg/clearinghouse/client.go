// Package clearinghouse is an HTTP client for the NPHIES clearinghouse.
package clearinghouse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sbs-integration-engine/internal/domain"
)

// Environments and their endpoints.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"

	SandboxURL    = "https://sandbox.nphies.sa/api/v1"
	ProductionURL = "https://api.nphies.sa/api/v1"

	ContentTypeFHIR = "application/fhir+json"

	HeaderRequestID  = "X-Request-ID"
	HeaderFacilityID = "X-Facility-ID"
)

var endpoints = map[domain.RequestType]string{
	domain.RequestClaim:       "claim/submit",
	domain.RequestPreAuth:     "preauthorization/submit",
	domain.RequestEligibility: "eligibility/check",
}

// errServerFailure marks a 5xx reply so the breaker counts it as a failure.
var errServerFailure = errors.New("clearinghouse server error")

// Client submits signed documents to NPHIES. It implements
// domain.ClearinghouseTransport.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	rateLimit   *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	maxResponse int64
	logger      *logrus.Logger
}

// NewClient creates a clearinghouse client.
func NewClient(config domain.ClearinghouseConfig, logger *logrus.Logger) *Client {
	if config.Environment == "" {
		config.Environment = EnvironmentSandbox
	}
	if config.BaseURL == "" {
		config.BaseURL = SandboxURL
		if config.Environment == EnvironmentProduction {
			config.BaseURL = ProductionURL
		}
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
		if config.Environment == EnvironmentProduction {
			config.Timeout = 60 * time.Second
		}
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if config.MaxResponseBytes == 0 {
		config.MaxResponseBytes = 5 << 20
	}
	if config.BreakerRequests == 0 {
		config.BreakerRequests = 3
	}
	if config.BreakerInterval == 0 {
		config.BreakerInterval = 30 * time.Second
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = 60 * time.Second
	}

	c := &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit:   rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		maxResponse: config.MaxResponseBytes,
		logger:      logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "NPHIES",
		MaxRequests: config.BreakerRequests,
		Interval:    config.BreakerInterval,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return c
}

// Endpoint returns the URL for a request type.
func (c *Client) Endpoint(requestType domain.RequestType) (string, error) {
	path, ok := endpoints[requestType]
	if !ok {
		return "", domain.NewValidationError("request_type", "unsupported request type", string(requestType))
	}
	return c.baseURL + "/" + path, nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

// Submit posts the payload. Network failures and an open breaker are
// returned as transport errors. Any HTTP reply, 5xx included, is returned
// as a response.
func (c *Client) Submit(ctx context.Context, payload domain.SubmissionPayload) (*domain.TransportResponse, error) {
	endpoint, err := c.Endpoint(payload.RequestType)
	if err != nil {
		return nil, err
	}

	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, domain.NewTransportError("rate limit wait failed", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.post(ctx, endpoint, payload)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerFailure
		}
		return resp, nil
	})

	if resp, ok := out.(*domain.TransportResponse); ok && resp != nil {
		return resp, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewTransportError("clearinghouse circuit breaker open", err)
	}
	if err != nil {
		return nil, domain.NewTransportError(fmt.Sprintf("request to %s failed", endpoint), err)
	}
	return nil, domain.NewTransportError("empty clearinghouse response", errors.New("no response"))
}

func (c *Client) post(ctx context.Context, endpoint string, payload domain.SubmissionPayload) (*domain.TransportResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := payload.TransactionID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	req.Header.Set("Content-Type", ContentTypeFHIR)
	req.Header.Set("Accept", ContentTypeFHIR)
	req.Header.Set(HeaderRequestID, requestID)
	req.Header.Set(HeaderFacilityID, payload.FacilityID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	elapsed := time.Since(start)
	c.logger.WithFields(logrus.Fields{
		"endpoint":       endpoint,
		"transaction_id": payload.TransactionID,
		"facility_id":    payload.FacilityID,
		"status_code":    resp.StatusCode,
		"duration_ms":    elapsed.Milliseconds(),
	}).Debug("Clearinghouse request completed")

	return &domain.TransportResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Duration:   elapsed,
	}, nil
}
