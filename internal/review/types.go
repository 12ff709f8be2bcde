// Package review stores low-confidence normalizations for manual review.
// Approved and corrected items become learned mappings that the normalizer
// consults before similarity matching.
package review

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sbs-integration-engine/internal/domain"
)

// Store is the review queue backend.
type Store interface {
	domain.ReviewQueue
	domain.LearnedMappingSource

	// Get returns a single item.
	Get(ctx context.Context, id int64) (*domain.ReviewItem, error)

	// List returns items, oldest first, matching the filter.
	List(ctx context.Context, filter ListFilter) ([]*domain.ReviewItem, error)

	// Count returns the number of items in a status; empty counts all.
	Count(ctx context.Context, status domain.ReviewStatus) (int64, error)

	// Resolve records a reviewer decision and updates learned mappings.
	Resolve(ctx context.Context, id int64, resolution Resolution) (*domain.ReviewItem, error)

	// ExportJSON writes all items and learned mappings.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// Close releases the underlying database.
	Close() error
}

// ListFilter narrows review listings.
type ListFilter struct {
	Status     domain.ReviewStatus
	FacilityID string
	Limit      int
	Offset     int
}

// Resolution is a reviewer's decision on a queued item.
type Resolution struct {
	Status   domain.ReviewStatus `json:"status"`
	Code     string              `json:"code,omitempty"`
	Reviewer string              `json:"reviewer"`
	Notes    string              `json:"notes,omitempty"`
}

// Validate checks the decision against the item and returns the standard code
// to learn, if any.
func (r Resolution) Validate(item *domain.ReviewItem) (string, error) {
	switch r.Status {
	case domain.ReviewApproved:
		code := strings.TrimSpace(r.Code)
		if code == "" {
			code = item.SuggestedCode
		}
		if code == "" {
			return "", domain.NewValidationError("code", "item has no suggested code to approve", item.ID)
		}
		return code, nil
	case domain.ReviewCorrected:
		code := strings.TrimSpace(r.Code)
		if code == "" {
			return "", domain.NewValidationError("code", "a corrected code is required", item.ID)
		}
		return code, nil
	case domain.ReviewRejected:
		return "", nil
	default:
		return "", domain.NewValidationError("status", fmt.Sprintf("cannot resolve to %q", r.Status), r.Status)
	}
}

// LearnedMapping is one reviewer-confirmed description mapping.
type LearnedMapping struct {
	DescriptionKey string    `json:"description_key"`
	StandardCode   string    `json:"standard_code"`
	ReviewItemID   int64     `json:"review_item_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Export is the JSON export format.
type Export struct {
	Version    string               `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	Count      int                  `json:"count"`
	Items      []*domain.ReviewItem `json:"items"`
	Learned    []LearnedMapping     `json:"learned"`
}

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

func prepareItem(item *domain.ReviewItem, now time.Time) error {
	if item == nil {
		return domain.NewValidationError("item", "review item is required", nil)
	}
	if item.FacilityID == "" {
		return domain.NewValidationError("facility_id", "facility is required", nil)
	}
	if item.LocalCode == "" && domain.NormalizeDescription(item.Description) == "" {
		return domain.NewValidationError("local_code", "a local code or description is required", nil)
	}
	if item.DescriptionKey == "" {
		item.DescriptionKey = domain.DescriptionKey(item.Description)
	}
	item.Status = domain.ReviewPending
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

func notFound(id int64) error {
	return domain.NewNotFoundError(fmt.Sprintf("review item %d not found", id))
}

func learnedResult(code string) *domain.NormalizationResult {
	return &domain.NormalizationResult{
		StandardCode: code,
		Source:       domain.SourceLearned,
	}
}
