// Package normalizer resolves facility-local service codes to standard SBS
// codes, falling back to learned and description-similarity matching.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

const (
	DefaultAcceptanceFloor = 0.8
	DefaultMinSimilarity   = 0.30
	DefaultConcurrency     = 8

	// LearnedConfidence is assigned to reviewer-confirmed description mappings.
	LearnedConfidence = 0.95
)

// Config tunes normalization thresholds.
type Config struct {
	AcceptanceFloor float64
	MinSimilarity   float64
	Concurrency     int
}

// Dependencies are the stores the service resolves against. Only Mappings
// and Catalogue are required.
type Dependencies struct {
	Mappings  domain.CodeMappingStore
	Catalogue domain.CatalogueSource
	Learned   domain.LearnedMappingSource
	Cache     *Cache
	Queue     domain.ReviewQueue
}

// Service normalizes local codes.
type Service struct {
	config    Config
	mappings  domain.CodeMappingStore
	catalogue domain.CatalogueSource
	learned   domain.LearnedMappingSource
	cache     *Cache
	queue     domain.ReviewQueue
	logger    *logrus.Logger

	indexMu sync.Mutex
	index   *catalogueIndex
}

// NewService creates a normalizer service.
func NewService(config Config, deps Dependencies, logger *logrus.Logger) *Service {
	if config.AcceptanceFloor <= 0 {
		config.AcceptanceFloor = DefaultAcceptanceFloor
	}
	if config.MinSimilarity <= 0 {
		config.MinSimilarity = DefaultMinSimilarity
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	return &Service{
		config:    config,
		mappings:  deps.Mappings,
		catalogue: deps.Catalogue,
		learned:   deps.Learned,
		cache:     deps.Cache,
		queue:     deps.Queue,
		logger:    logger,
	}
}

// Normalize resolves one local code. The description is used only when no
// exact facility mapping exists.
func (s *Service) Normalize(ctx context.Context, facilityID, localCode, description string) (*domain.NormalizationResult, error) {
	return s.normalize(ctx, facilityID, localCode, description, nil)
}

func (s *Service) normalize(ctx context.Context, facilityID, localCode, description string, memo *batchMemo) (*domain.NormalizationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if localCode != "" && s.mappings != nil {
		result, err := s.mappings.Lookup(ctx, facilityID, localCode)
		switch {
		case err == nil:
			out := *result
			if out.Source == "" {
				out.Source = domain.SourceManual
			}
			if out.Confidence == 0 {
				out.Confidence = 1.0
			}
			s.applyFloor(&out)
			return &out, nil
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("looking up mapping for %s/%s: %w", facilityID, localCode, err)
		}
	}

	if domain.NormalizeDescription(description) == "" {
		return nil, domain.NewNotFoundError(
			fmt.Sprintf("no mapping for %s at facility %s and no description to match", localCode, facilityID)).
			WithStage(domain.StageNormalizer)
	}

	key := domain.DescriptionKey(description)
	var (
		shared *domain.NormalizationResult
		err    error
	)
	if memo != nil {
		shared, err = memo.do(key, func() (*domain.NormalizationResult, error) {
			return s.resolveDescription(ctx, key, description)
		})
	} else {
		shared, err = s.resolveDescription(ctx, key, description)
	}
	if err != nil {
		return nil, err
	}
	if shared == nil {
		return nil, domain.NewNotFoundError(
			fmt.Sprintf("no mapping for %s at facility %s and no catalogue match for %q", localCode, facilityID, description)).
			WithStage(domain.StageNormalizer)
	}

	out := *shared
	s.applyFloor(&out)
	if out.NeedsReview {
		s.enqueueReview(ctx, facilityID, localCode, description, key, &out)
	}

	s.logger.WithFields(logrus.Fields{
		"facility_id":   facilityID,
		"local_code":    localCode,
		"standard_code": out.StandardCode,
		"source":        out.Source,
		"confidence":    out.Confidence,
		"needs_review":  out.NeedsReview,
	}).Debug("Resolved code from description")

	return &out, nil
}

// resolveDescription runs the cache, learned and similarity tiers. A nil
// result with nil error means no match. Fallback matches below the acceptance
// floor are not cached: they wait on a reviewer whose answer must take effect
// on the next lookup.
func (s *Service) resolveDescription(ctx context.Context, key, description string) (*domain.NormalizationResult, error) {
	if s.cache != nil {
		if r, ok := s.cache.Get(ctx, key); ok {
			return r, nil
		}
	}

	index, err := s.catalogueIndex(ctx)
	if err != nil {
		return nil, err
	}

	if s.learned != nil {
		learned, err := s.learned.LearnedMapping(ctx, key)
		switch {
		case err == nil && learned != nil:
			out := *learned
			out.Source = domain.SourceLearned
			if out.Confidence == 0 {
				out.Confidence = LearnedConfidence
			}
			if entry, ok := index.lookup(out.StandardCode); ok {
				fillFromCatalogue(&out, entry)
			}
			s.storeCache(ctx, key, &out)
			return &out, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("looking up learned mapping: %w", err)
		}
	}

	entry, score, ok := index.best(description)
	if !ok || score < s.config.MinSimilarity {
		return nil, nil
	}
	out := &domain.NormalizationResult{
		Confidence: score,
		Source:     domain.SourceFallback,
	}
	fillFromCatalogue(out, entry)
	if score >= s.config.AcceptanceFloor {
		s.storeCache(ctx, key, out)
	}
	return out, nil
}

// Forget drops any cached result for a description key. Callers invoke it
// after a review resolution changes the learned mapping for that key.
func (s *Service) Forget(ctx context.Context, descriptionKey string) {
	if s == nil || s.cache == nil || descriptionKey == "" {
		return
	}
	s.cache.Invalidate(ctx, descriptionKey)
	s.logger.WithField("description_key", descriptionKey).Debug("Dropped cached normalization")
}

func (s *Service) storeCache(ctx context.Context, key string, r *domain.NormalizationResult) {
	if s.cache != nil {
		s.cache.Set(ctx, key, r)
	}
}

func (s *Service) applyFloor(r *domain.NormalizationResult) {
	r.NeedsReview = r.NeedsReview || r.Confidence < s.config.AcceptanceFloor
}

func (s *Service) enqueueReview(ctx context.Context, facilityID, localCode, description, key string, r *domain.NormalizationResult) {
	if s.queue == nil {
		return
	}
	now := time.Now().UTC()
	item := &domain.ReviewItem{
		FacilityID:     facilityID,
		LocalCode:      localCode,
		Description:    description,
		DescriptionKey: key,
		SuggestedCode:  r.StandardCode,
		Confidence:     r.Confidence,
		Source:         r.Source,
		Status:         domain.ReviewPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"facility_id": facilityID,
			"local_code":  localCode,
		}).Warn("Failed to enqueue normalization for review")
	}
}

// catalogueIndex loads and indexes the catalogue on first use.
func (s *Service) catalogueIndex(ctx context.Context) (*catalogueIndex, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.index != nil {
		return s.index, nil
	}
	if s.catalogue == nil {
		return nil, domain.NewConfigurationError("no standard code catalogue configured").WithStage(domain.StageNormalizer)
	}
	entries, err := s.catalogue.Catalogue(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading standard catalogue: %w", err)
	}
	s.index = newCatalogueIndex(entries)
	s.logger.WithField("entries", len(entries)).Info("Loaded standard code catalogue")
	return s.index, nil
}

// Reload drops the catalogue index so the next lookup re-reads it.
func (s *Service) Reload() {
	s.indexMu.Lock()
	s.index = nil
	s.indexMu.Unlock()
}

// CacheStats returns description cache statistics, or zero values when no
// cache is configured.
func (s *Service) CacheStats() CacheStats {
	if s.cache == nil {
		return CacheStats{}
	}
	return s.cache.Stats()
}

func fillFromCatalogue(r *domain.NormalizationResult, e domain.CatalogueEntry) {
	r.StandardCode = e.Code
	r.Description = e.Description
	r.Category = e.Category
	r.StandardPrice = e.StandardPrice
}
