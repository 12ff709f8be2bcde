// Package pipeline runs claims through normalization, pricing, signing and
// submission.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/gateway"
)

// Reasons recorded when a claim stops before submission.
const (
	StopInvalid     = "document failed pricing validation"
	StopNeedsReview = "items are awaiting manual review"
	StopDryRun      = "dry run"
)

// Normalizer resolves local codes on a document.
type Normalizer interface {
	NormalizeDocument(ctx context.Context, doc *domain.ClaimDocument) (*domain.ClaimDocument, error)
}

// Pricer evaluates a normalized document for a tier.
type Pricer interface {
	Evaluate(ctx context.Context, doc *domain.ClaimDocument, tierRank int) (*domain.PricingResult, error)
}

// Signer attaches a facility signature.
type Signer interface {
	Sign(ctx context.Context, doc *domain.ClaimDocument, facilityID string) (*domain.ClaimDocument, error)
}

// Submitter delivers a signed document.
type Submitter interface {
	Submit(ctx context.Context, req gateway.SubmitRequest) (*domain.Transaction, error)
}

// TierResolver returns a facility's accreditation tier.
type TierResolver interface {
	FacilityTier(ctx context.Context, facilityID string) (rank int, found bool, err error)
}

// Config controls orchestration.
type Config struct {
	Concurrency   int
	BlockOnReview bool
	SubmitInvalid bool
	DefaultTier   int
	DryRun        bool
}

// ConfigFromDomain converts the application configuration.
func ConfigFromDomain(cfg domain.PipelineConfig, defaultTier int) Config {
	return Config{
		Concurrency:   cfg.Concurrency,
		BlockOnReview: cfg.BlockOnReview,
		SubmitInvalid: cfg.SubmitInvalid,
		DefaultTier:   defaultTier,
	}
}

// Stages groups the stage implementations.
type Stages struct {
	Normalizer Normalizer
	Pricer     Pricer
	Signer     Signer
	Submitter  Submitter
	Tiers      TierResolver
}

// Result is the outcome of processing one claim.
type Result struct {
	DocumentID  string                `json:"document_id"`
	FacilityID  string                `json:"facility_id"`
	Stage       domain.Stage          `json:"stage"`
	Completed   bool                  `json:"completed"`
	StopReason  string                `json:"stop_reason,omitempty"`
	TierRank    int                   `json:"tier_rank"`
	Document    *domain.ClaimDocument `json:"document"`
	Pricing     *domain.PricingResult `json:"pricing,omitempty"`
	Transaction *domain.Transaction   `json:"transaction,omitempty"`
	NeedsReview []int                 `json:"needs_review,omitempty"`
	Duration    time.Duration         `json:"duration"`
}

// BatchResult pairs a claim's result with its error. Exactly one is set.
type BatchResult struct {
	Result *Result               `json:"result,omitempty"`
	Error  *domain.PipelineError `json:"error,omitempty"`
}

// Pipeline orchestrates the four stages.
type Pipeline struct {
	config Config
	stages Stages
	now    func() time.Time
	logger *logrus.Logger
}

// New creates a pipeline. A nil submitter behaves like a dry run.
func New(config Config, stages Stages, logger *logrus.Logger) *Pipeline {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.DefaultTier <= 0 {
		config.DefaultTier = 1
	}
	return &Pipeline{
		config: config,
		stages: stages,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the clock used to stamp new documents.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Process builds a document from req and runs it as far as configuration
// allows. Stopping early is not an error; the result records the stage
// reached and why.
func (p *Pipeline) Process(ctx context.Context, req *domain.ClaimRequest) (*Result, error) {
	start := time.Now()

	doc, err := domain.NewClaimDocument(req, p.now())
	if err != nil {
		return nil, domain.NewPipelineError(domain.ErrorCode(err), err.Error(), err).WithStage(domain.StageIntake)
	}
	result := &Result{
		DocumentID: doc.ID,
		FacilityID: doc.FacilityID,
		Stage:      domain.StageIntake,
		Document:   doc,
	}
	entry := p.logger.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"facility_id": doc.FacilityID,
	})
	finish := func() (*Result, error) {
		result.Duration = time.Since(start)
		entry.WithFields(logrus.Fields{
			"stage":       result.Stage,
			"completed":   result.Completed,
			"stop_reason": result.StopReason,
			"duration_ms": result.Duration.Milliseconds(),
		}).Info("Claim processing finished")
		return result, nil
	}

	normalized, err := p.stages.Normalizer.NormalizeDocument(ctx, doc)
	if err != nil {
		return nil, stageError(domain.StageNormalizer, doc, err)
	}
	result.Document = normalized
	result.Stage = domain.StageNormalizer
	result.NeedsReview = normalized.ItemsNeedingReview()

	tier, err := p.facilityTier(ctx, normalized.FacilityID)
	if err != nil {
		return nil, stageError(domain.StageRules, normalized, err)
	}
	result.TierRank = tier

	priced, err := p.stages.Pricer.Evaluate(ctx, normalized, tier)
	if err != nil {
		return nil, stageError(domain.StageRules, normalized, err)
	}
	result.Pricing = priced
	result.Document = priced.Document
	result.Stage = domain.StageRules

	if !priced.IsValid && !p.config.SubmitInvalid {
		result.StopReason = StopInvalid
		return finish()
	}
	if len(result.NeedsReview) > 0 && p.config.BlockOnReview {
		result.StopReason = StopNeedsReview
		return finish()
	}

	signed, err := p.stages.Signer.Sign(ctx, priced.Document, normalized.FacilityID)
	if err != nil {
		return nil, stageError(domain.StageSigner, priced.Document, err)
	}
	result.Document = signed
	result.Stage = domain.StageSigner

	if p.config.DryRun || p.stages.Submitter == nil {
		result.StopReason = StopDryRun
		return finish()
	}

	requestType := req.RequestType
	if requestType == "" {
		requestType = domain.RequestClaim
	}
	tx, err := p.stages.Submitter.Submit(ctx, gateway.SubmitRequest{
		TransactionID: req.TransactionID,
		Document:      signed,
		FacilityID:    signed.FacilityID,
		RequestType:   requestType,
	})
	if err != nil {
		return nil, stageError(domain.StageGateway, signed, err)
	}
	result.Transaction = tx
	result.Stage = domain.StageGateway
	result.Completed = true
	return finish()
}

// ProcessBatch processes claims concurrently up to the configured limit.
// Per-claim failures are reported in the results; the returned error is set
// only when ctx ends.
func (p *Pipeline) ProcessBatch(ctx context.Context, reqs []*domain.ClaimRequest) ([]BatchResult, error) {
	results := make([]BatchResult, len(reqs))
	if len(reqs) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := p.Process(gctx, req)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				results[i] = BatchResult{Error: asPipelineError(err)}
				return nil
			}
			results[i] = BatchResult{Result: r}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range results {
		if r.Error != nil {
			failed++
		}
	}
	p.logger.WithFields(logrus.Fields{
		"claims": len(reqs),
		"failed": failed,
	}).Info("Claim batch finished")

	return results, nil
}

func (p *Pipeline) facilityTier(ctx context.Context, facilityID string) (int, error) {
	if p.stages.Tiers == nil {
		return p.config.DefaultTier, nil
	}
	rank, found, err := p.stages.Tiers.FacilityTier(ctx, facilityID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve tier for facility %s: %w", facilityID, err)
	}
	if !found {
		return p.config.DefaultTier, nil
	}
	return rank, nil
}

// stageError tags err with the stage and document unless it already carries
// them.
func stageError(stage domain.Stage, doc *domain.ClaimDocument, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		if pe.Stage == "" {
			pe.WithStage(stage)
		}
		if pe.DocumentID == "" {
			pe.WithDocument(doc.FacilityID, doc.ID)
		}
		return err
	}
	return domain.NewPipelineError(domain.ErrorCode(err), err.Error(), err).
		WithStage(stage).WithDocument(doc.FacilityID, doc.ID)
}

func asPipelineError(err error) *domain.PipelineError {
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return domain.NewPipelineError(domain.ErrorCode(err), err.Error(), err)
}
