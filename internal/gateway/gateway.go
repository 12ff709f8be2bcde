// Package gateway submits signed claim documents to the clearinghouse and
// drives each submission through the transaction state machine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

// Cancellation values written to a transaction stopped by its caller.
const (
	CancelledMessage = "cancelled"
	CancelledOutcome = "cancelled"
)

// DefaultInflightTimeout bounds how long a duplicate submit waits. It is also
// the submission lease: a submitted transaction not updated for this long is
// taken over by the next Submit.
const DefaultInflightTimeout = 2 * time.Minute

// DefaultPollInterval is how often a submit waiting on another process
// rereads the transaction.
const DefaultPollInterval = time.Second

// Config configures the gateway.
type Config struct {
	Policy          Policy
	InflightTimeout time.Duration
	PollInterval    time.Duration
}

// ConfigFromDomain converts the application configuration.
func ConfigFromDomain(cfg domain.GatewayConfig) Config {
	c := Config{Policy: PolicyFromConfig(cfg), InflightTimeout: cfg.InflightTimeout, PollInterval: cfg.PollInterval}
	if c.InflightTimeout <= 0 {
		c.InflightTimeout = DefaultInflightTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Notifier receives a snapshot of a transaction after every state change.
type Notifier interface {
	Notify(tx *domain.Transaction)
}

// SubmitRequest asks the gateway to deliver a signed document.
type SubmitRequest struct {
	TransactionID string
	Document      *domain.ClaimDocument
	FacilityID    string
	RequestType   domain.RequestType
}

type inflight struct {
	done       chan struct{}
	cancel     chan struct{}
	cancelOnce sync.Once
}

func (e *inflight) stop() {
	e.cancelOnce.Do(func() { close(e.cancel) })
}

// Gateway delivers documents with retries and records every attempt.
type Gateway struct {
	config    Config
	transport domain.ClearinghouseTransport
	store     domain.TransactionStore
	clock     Clock
	rand      func() float64
	notifier  Notifier
	logger    *logrus.Logger

	mu       sync.Mutex
	inflight map[string]*inflight
}

// NewGateway creates a gateway.
func NewGateway(config Config, transport domain.ClearinghouseTransport, store domain.TransactionStore, logger *logrus.Logger) *Gateway {
	if config.Policy.MaxAttempts <= 0 {
		config.Policy = DefaultPolicy()
	}
	if config.InflightTimeout <= 0 {
		config.InflightTimeout = DefaultInflightTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Gateway{
		config:    config,
		transport: transport,
		store:     store,
		clock:     realClock{},
		rand:      defaultRand,
		logger:    logger,
		inflight:  make(map[string]*inflight),
	}
}

// WithClock replaces the clock used for timestamps and backoff waits.
func (g *Gateway) WithClock(c Clock) *Gateway {
	g.clock = c
	return g
}

// WithRand replaces the jitter source.
func (g *Gateway) WithRand(rnd func() float64) *Gateway {
	g.rand = rnd
	return g
}

// WithNotifier registers a transaction observer.
func (g *Gateway) WithNotifier(n Notifier) *Gateway {
	g.notifier = n
	return g
}

// Policy returns the active retry policy.
func (g *Gateway) Policy() Policy {
	return g.config.Policy
}

// Submit delivers the document and returns the transaction in its final
// state. A transaction that is already terminal is returned unchanged. A call
// for an identifier being submitted, by this gateway or another process
// sharing the store, waits for that submission to finish.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*domain.Transaction, error) {
	doc := req.Document
	if doc == nil {
		return nil, domain.NewPipelineError(domain.CodeInvalidDocument, "document is required", domain.ErrInvalidDocument).
			WithStage(domain.StageGateway)
	}
	if doc.Signature == nil || doc.Signature.Data == "" {
		return nil, domain.NewPipelineError(domain.CodeInvalidDocument, "document must be signed before submission", domain.ErrInvalidDocument).
			WithStage(domain.StageGateway).WithDocument(doc.FacilityID, doc.ID)
	}
	requestType := req.RequestType
	if requestType == "" {
		requestType = domain.RequestClaim
	}
	if !requestType.IsValid() {
		return nil, domain.NewValidationError("request_type", "unsupported request type", string(requestType))
	}
	facilityID := req.FacilityID
	if facilityID == "" {
		facilityID = doc.FacilityID
	}
	id := req.TransactionID
	if id == "" {
		id = domain.NewTransactionID()
	}

	g.mu.Lock()
	if e, ok := g.inflight[id]; ok {
		g.mu.Unlock()
		return g.awaitInflight(ctx, id, e)
	}
	entry := &inflight{done: make(chan struct{}), cancel: make(chan struct{})}
	g.inflight[id] = entry
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inflight, id)
		g.mu.Unlock()
		close(entry.done)
	}()

	storeCtx := context.WithoutCancel(ctx)
	tx, err := g.claim(storeCtx, id, doc, requestType, facilityID)
	switch {
	case errors.Is(err, domain.ErrSubmissionInProgress):
		return g.awaitStored(ctx, id)
	case err != nil:
		return nil, err
	case tx.Status.IsTerminal():
		return tx, nil
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}
	payload := domain.SubmissionPayload{
		TransactionID: id,
		FacilityID:    facilityID,
		RequestType:   tx.RequestType,
		Body:          body,
	}

	return g.run(ctx, tx, payload, entry)
}

func (g *Gateway) run(ctx context.Context, tx *domain.Transaction, payload domain.SubmissionPayload, entry *inflight) (*domain.Transaction, error) {
	storeCtx := context.WithoutCancel(ctx)
	backoff := NewBackoff(g.config.Policy, g.rand)
	log := g.logger.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"document_id":    tx.DocumentID,
		"facility_id":    tx.FacilityID,
	})

	if tx.RetryCount >= g.config.Policy.MaxAttempts {
		return g.finish(storeCtx, tx.ID, domain.TxError, domain.StatusUpdate{
			StatusCode: tx.LastStatusCode,
			Message:    tx.LastMessage,
		})
	}

	for {
		if cancelled(ctx, entry) {
			log.Info("Submission cancelled before attempt")
			return g.cancel(storeCtx, tx)
		}

		start := g.clock.Now()
		resp, sendErr := g.transport.Submit(storeCtx, payload)
		outcome := Classify(resp, sendErr)

		attempt := domain.Attempt{
			Timestamp:      start,
			StatusCode:     outcome.StatusCode,
			Classification: outcome.Class,
			Summary:        outcome.Summary,
			Duration:       g.clock.Now().Sub(start),
		}
		if resp != nil && resp.Duration > 0 {
			attempt.Duration = resp.Duration
		}

		next, err := g.store.AppendAttempt(storeCtx, tx.ID, attempt)
		if err != nil {
			return nil, fmt.Errorf("failed to record attempt for transaction %s: %w", tx.ID, err)
		}
		tx = next
		g.notify(tx)

		log.WithFields(logrus.Fields{
			"attempt":        tx.RetryCount,
			"status_code":    outcome.StatusCode,
			"classification": outcome.Class,
		}).Debug("Submission attempt completed")

		update := domain.StatusUpdate{StatusCode: outcome.StatusCode, Message: outcome.Summary}
		if outcome.Response != nil {
			update.ExternalID = outcome.Response.ExternalID
			update.Outcome = outcome.Response.Outcome
		}

		switch outcome.Class {
		case domain.AttemptSuccess:
			log.WithField("external_id", update.ExternalID).Info("Submission accepted")
			return g.finish(storeCtx, tx.ID, domain.TxAccepted, update)
		case domain.AttemptRejected:
			log.WithField("reason", outcome.Summary).Warn("Submission rejected")
			return g.finish(storeCtx, tx.ID, domain.TxRejected, update)
		case domain.AttemptRetryable:
			if tx.RetryCount >= g.config.Policy.MaxAttempts {
				log.WithFields(logrus.Fields{
					"attempts": tx.RetryCount,
					"reason":   outcome.Summary,
				}).Error("Submission retries exhausted")
				return g.finish(storeCtx, tx.ID, domain.TxError, update)
			}
		default:
			log.WithField("reason", outcome.Summary).Error("Submission failed")
			return g.finish(storeCtx, tx.ID, domain.TxError, update)
		}

		delay := backoff.Next()
		log.WithFields(logrus.Fields{
			"attempt": tx.RetryCount,
			"delay":   delay.String(),
		}).Info("Retrying submission")

		select {
		case <-ctx.Done():
			return g.cancel(storeCtx, tx)
		case <-entry.cancel:
			return g.cancel(storeCtx, tx)
		case <-g.clock.After(delay):
		}
	}
}

func cancelled(ctx context.Context, entry *inflight) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-entry.cancel:
		return true
	default:
		return false
	}
}

func (g *Gateway) cancel(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	return g.finish(ctx, tx.ID, domain.TxError, domain.StatusUpdate{
		Message: CancelledMessage,
		Outcome: CancelledOutcome,
	})
}

func (g *Gateway) finish(ctx context.Context, id string, status domain.TransactionStatus, update domain.StatusUpdate) (*domain.Transaction, error) {
	update.At = g.clock.Now()
	tx, err := g.store.SetStatus(ctx, id, status, update)
	if err != nil {
		return nil, fmt.Errorf("failed to set transaction %s to %s: %w", id, status, err)
	}
	g.notify(tx)
	return tx, nil
}

// claim creates the transaction when it is new and takes its submission
// lease. A terminal transaction is returned without a lease.
func (g *Gateway) claim(ctx context.Context, id string, doc *domain.ClaimDocument, requestType domain.RequestType, facilityID string) (*domain.Transaction, error) {
	now := g.clock.Now()
	staleBefore := now.Add(-g.config.InflightTimeout)

	tx, claimed, err := g.store.Claim(ctx, id, staleBefore, now)
	if errors.Is(err, domain.ErrNotFound) {
		created := domain.NewTransaction(id, doc, requestType, now)
		created.FacilityID = facilityID
		createErr := g.store.Create(ctx, created)
		if createErr == nil {
			g.notify(created)
		}
		tx, claimed, err = g.store.Claim(ctx, id, staleBefore, now)
		if errors.Is(err, domain.ErrNotFound) && createErr != nil {
			return nil, fmt.Errorf("failed to create transaction %s: %w", id, createErr)
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrSubmissionInProgress) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim transaction %s: %w", id, err)
	}

	if claimed {
		if tx.RetryCount > 0 {
			g.logger.WithFields(logrus.Fields{
				"transaction_id": id,
				"retry_count":    tx.RetryCount,
			}).Info("Resuming stale transaction")
		}
		g.notify(tx)
	}
	return tx, nil
}

func inProgressError(id string) error {
	return domain.NewPipelineError(domain.CodeSubmissionInProgress,
		fmt.Sprintf("transaction %s is already being submitted", id), domain.ErrSubmissionInProgress).
		WithStage(domain.StageGateway)
}

func (g *Gateway) awaitInflight(ctx context.Context, id string, e *inflight) (*domain.Transaction, error) {
	timer := time.NewTimer(g.config.InflightTimeout)
	defer timer.Stop()

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, inProgressError(id)
	case <-timer.C:
		return nil, inProgressError(id)
	}

	tx, err := g.store.Get(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
	}
	if !tx.Status.IsTerminal() {
		return nil, inProgressError(id)
	}
	return tx, nil
}

// awaitStored polls the store while another process holds the lease.
func (g *Gateway) awaitStored(ctx context.Context, id string) (*domain.Transaction, error) {
	g.logger.WithField("transaction_id", id).Info("Transaction is being submitted elsewhere; waiting")

	timer := time.NewTimer(g.config.InflightTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(g.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, inProgressError(id)
		case <-timer.C:
			return nil, inProgressError(id)
		case <-ticker.C:
		}

		tx, err := g.store.Get(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
		}
		if tx.Status.IsTerminal() {
			return tx, nil
		}
	}
}

// Cancel stops an in-flight submission at its next checkpoint. It reports
// whether a submission was found.
func (g *Gateway) Cancel(id string) bool {
	g.mu.Lock()
	e, ok := g.inflight[id]
	g.mu.Unlock()
	if ok {
		e.stop()
	}
	return ok
}

// InFlight reports whether a submission for id is running.
func (g *Gateway) InFlight(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[id]
	return ok
}

// Get returns a transaction snapshot.
func (g *Gateway) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return g.store.Get(ctx, id)
}

// List returns transactions matching the filter.
func (g *Gateway) List(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	return g.store.List(ctx, filter)
}

func (g *Gateway) notify(tx *domain.Transaction) {
	if g.notifier != nil && tx != nil {
		g.notifier.Notify(tx.Clone())
	}
}
