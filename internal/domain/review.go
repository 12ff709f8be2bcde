package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ReviewStatus is the lifecycle state of a queued low-confidence mapping.
type ReviewStatus string

const (
	ReviewPending   ReviewStatus = "pending"
	ReviewApproved  ReviewStatus = "approved"
	ReviewCorrected ReviewStatus = "corrected"
	ReviewRejected  ReviewStatus = "rejected"
)

// IsValid checks if the review status is valid
func (s ReviewStatus) IsValid() bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewCorrected, ReviewRejected:
		return true
	default:
		return false
	}
}

// IsResolved reports whether a reviewer has acted on the item.
func (s ReviewStatus) IsResolved() bool {
	return s != ReviewPending
}

// ReviewItem is a normalization result queued for manual review.
type ReviewItem struct {
	ID             int64         `json:"id,omitempty"`
	FacilityID     string        `json:"facility_id"`
	LocalCode      string        `json:"local_code"`
	Description    string        `json:"description"`
	DescriptionKey string        `json:"description_key"`
	SuggestedCode  string        `json:"suggested_code,omitempty"`
	Confidence     float64       `json:"confidence"`
	Source         MappingSource `json:"source"`
	Status         ReviewStatus  `json:"status"`
	ResolvedCode   string        `json:"resolved_code,omitempty"`
	Reviewer       string        `json:"reviewer,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ReviewQueue accepts low-confidence normalizations for manual review.
type ReviewQueue interface {
	Enqueue(ctx context.Context, item *ReviewItem) error
}

// NormalizeDescription lowercases, trims and collapses internal whitespace.
func NormalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// DescriptionKey is the cache and learned-mapping key for a free-text
// description: the hex SHA-256 of its normalized form.
func DescriptionKey(description string) string {
	sum := sha256.Sum256([]byte(NormalizeDescription(description)))
	return hex.EncodeToString(sum[:])
}
