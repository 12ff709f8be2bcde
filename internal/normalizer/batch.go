package normalizer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sbs-integration-engine/internal/domain"
)

// BatchItem is one code to normalize within a batch.
type BatchItem struct {
	LocalCode   string
	Description string
}

// BatchResult pairs an item's result with its error. Exactly one is set.
type BatchResult struct {
	Result *domain.NormalizationResult
	Err    error
}

// batchMemo runs each description lookup at most once per batch.
type batchMemo struct {
	mu    sync.Mutex
	calls map[string]*memoCall
}

type memoCall struct {
	once   sync.Once
	result *domain.NormalizationResult
	err    error
}

func newBatchMemo() *batchMemo {
	return &batchMemo{calls: make(map[string]*memoCall)}
}

func (m *batchMemo) do(key string, fn func() (*domain.NormalizationResult, error)) (*domain.NormalizationResult, error) {
	m.mu.Lock()
	call, ok := m.calls[key]
	if !ok {
		call = &memoCall{}
		m.calls[key] = call
	}
	m.mu.Unlock()

	call.once.Do(func() {
		call.result, call.err = fn()
	})
	return call.result, call.err
}

// NormalizeBatch normalizes items concurrently. Per-item failures are
// reported in the results; the returned error is set only when ctx ends.
func (s *Service) NormalizeBatch(ctx context.Context, facilityID string, items []BatchItem) ([]BatchResult, error) {
	results := make([]BatchResult, len(items))
	if len(items) == 0 {
		return results, nil
	}

	memo := newBatchMemo()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for i, item := range items {
		g.Go(func() error {
			r, err := s.normalize(gctx, facilityID, item.LocalCode, item.Description, memo)
			results[i] = BatchResult{Result: r, Err: err}
			if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// NormalizeDocument returns a copy of doc with every line item resolved.
// Items with no mapping and no catalogue match are kept with no standard
// code and flagged for review; store failures abort.
func (s *Service) NormalizeDocument(ctx context.Context, doc *domain.ClaimDocument) (*domain.ClaimDocument, error) {
	out := doc.Clone()

	items := make([]BatchItem, len(out.Items))
	for i, it := range out.Items {
		items[i] = BatchItem{LocalCode: it.LocalCode, Description: it.Description}
	}

	results, err := s.NormalizeBatch(ctx, out.FacilityID, items)
	if err != nil {
		return nil, err
	}

	unresolved := 0
	for i, res := range results {
		item := &out.Items[i]
		if res.Err != nil {
			if !errors.Is(res.Err, domain.ErrNotFound) {
				return nil, domain.NewPipelineError(domain.ErrorCode(res.Err),
					fmt.Sprintf("normalizing item %d (%s)", item.Sequence, item.LocalCode), res.Err).
					WithStage(domain.StageNormalizer).WithDocument(out.FacilityID, out.ID)
			}
			unresolved++
			item.StandardCode = ""
			item.StandardDescription = ""
			item.Category = ""
			item.StandardPrice = 0
			item.Confidence = 0
			item.MappingSource = domain.SourceFallback
			item.NeedsReview = true
			continue
		}
		r := res.Result
		item.StandardCode = r.StandardCode
		item.StandardDescription = r.Description
		item.Category = r.Category
		item.StandardPrice = r.StandardPrice
		item.Confidence = r.Confidence
		item.MappingSource = r.Source
		item.NeedsReview = r.NeedsReview
	}

	s.logger.WithFields(logrus.Fields{
		"document_id":  out.ID,
		"facility_id":  out.FacilityID,
		"items":        len(out.Items),
		"unresolved":   unresolved,
		"needs_review": len(out.ItemsNeedingReview()),
	}).Info("Normalized claim document")

	return out, nil
}
