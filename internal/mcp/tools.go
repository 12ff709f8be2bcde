package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/review"
)

const maxListLimit = 500

// ClaimItemInput is one billed line item.
type ClaimItemInput struct {
	LocalCode        string  `json:"local_code,omitempty" jsonschema:"facility-specific service code"`
	Description      string  `json:"description,omitempty" jsonschema:"free-text service description"`
	Quantity         int     `json:"quantity,omitempty" jsonschema:"units billed, defaults to 1"`
	UnitPrice        float64 `json:"unit_price" jsonschema:"unit price in SAR"`
	ServiceDate      string  `json:"service_date" jsonschema:"service date as YYYY-MM-DD"`
	AuthorizationRef string  `json:"authorization_ref,omitempty" jsonschema:"prior authorization reference"`
}

// NormalizeCodeInput is the input of normalize_code.
type NormalizeCodeInput struct {
	FacilityID  string `json:"facility_id" jsonschema:"facility that owns the local code"`
	LocalCode   string `json:"local_code,omitempty" jsonschema:"facility-specific service code"`
	Description string `json:"description,omitempty" jsonschema:"free-text service description"`
}

// ValidateClaimInput is the input of validate_claim.
type ValidateClaimInput struct {
	FacilityID string           `json:"facility_id" jsonschema:"submitting facility"`
	Items      []ClaimItemInput `json:"items" jsonschema:"line items to normalize and price"`
	TierRank   int              `json:"tier_rank,omitempty" jsonschema:"accreditation tier override, defaults to the facility tier"`
}

// ProcessClaimInput is the input of process_claim.
type ProcessClaimInput struct {
	FacilityID    string           `json:"facility_id" jsonschema:"submitting facility"`
	PatientRef    string           `json:"patient_ref,omitempty" jsonschema:"opaque patient reference"`
	TransactionID string           `json:"transaction_id,omitempty" jsonschema:"idempotency key for the submission"`
	RequestType   string           `json:"request_type,omitempty" jsonschema:"Claim, PreAuth or Eligibility"`
	Items         []ClaimItemInput `json:"items" jsonschema:"line items to bill"`
}

// VerifyDocumentInput is the input of verify_document.
type VerifyDocumentInput struct {
	Document map[string]any `json:"document" jsonschema:"signed claim document"`
}

// GetTransactionInput is the input of get_transaction.
type GetTransactionInput struct {
	TransactionID string `json:"transaction_id" jsonschema:"transaction identifier"`
}

// ListTransactionsInput is the input of list_transactions.
type ListTransactionsInput struct {
	FacilityID string `json:"facility_id,omitempty" jsonschema:"only this facility"`
	Status     string `json:"status,omitempty" jsonschema:"only this status"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum results, defaults to 50"`
}

// ListReviewsInput is the input of list_reviews.
type ListReviewsInput struct {
	Status     string `json:"status,omitempty" jsonschema:"pending, approved, corrected or rejected"`
	FacilityID string `json:"facility_id,omitempty" jsonschema:"only this facility"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum results, defaults to 50"`
}

// ResolveReviewInput is the input of resolve_review.
type ResolveReviewInput struct {
	ID       int64  `json:"id" jsonschema:"review item identifier"`
	Status   string `json:"status" jsonschema:"approved, corrected or rejected"`
	Code     string `json:"code,omitempty" jsonschema:"standard code, required when corrected"`
	Reviewer string `json:"reviewer" jsonschema:"reviewer identity"`
	Notes    string `json:"notes,omitempty" jsonschema:"reviewer notes"`
}

func (s *Server) registerTools() {
	addTool(s, "normalize_code",
		"Map a facility local code or description to its standard SBS code",
		s.normalizeCode)
	addTool(s, "validate_claim",
		"Normalize and price a claim against the tier limits, bundles and pricing rules without signing it",
		s.validateClaim)
	addTool(s, "process_claim",
		"Run a claim through normalization, pricing, signing and submission",
		s.processClaim)
	addTool(s, "verify_document",
		"Verify the signature on a signed claim document",
		s.verifyDocument)

	if s.services.Transactions != nil {
		addTool(s, "get_transaction",
			"Get the state and attempt history of a submission",
			s.getTransaction)
		addTool(s, "list_transactions",
			"List recent submissions",
			s.listTransactions)
	}
	if s.services.Reviews != nil {
		addTool(s, "list_reviews",
			"List low-confidence code mappings queued for review",
			s.listReviews)
		addTool(s, "resolve_review",
			"Approve, correct or reject a queued code mapping",
			s.resolveReview)
	}
}

// addTool registers h, rendering its result as indented JSON text.
func addTool[In any](s *Server, name, description string, h func(context.Context, In) (any, error)) {
	mcp.AddTool(s.mcpServer, &mcp.Tool{Name: name, Description: description},
		func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
			start := time.Now()
			log := s.logger.WithField("tool", name)

			out, err := h(ctx, in)
			if err != nil {
				log.WithError(err).WithField("code", domain.ErrorCode(err)).Warn("Tool call failed")
				return nil, nil, toolError(err)
			}

			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return nil, nil, fmt.Errorf("failed to encode %s result: %w", name, err)
			}
			log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("Tool invoked")
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
			}, nil, nil
		})
	s.tools = append(s.tools, name)
}

// toolError prefixes err with its error code so clients can branch on it.
func toolError(err error) error {
	var pe *domain.PipelineError
	if errors.As(err, &pe) {
		return err
	}
	return fmt.Errorf("%s: %w", domain.ErrorCode(err), err)
}

func (s *Server) normalizeCode(ctx context.Context, in NormalizeCodeInput) (any, error) {
	if in.FacilityID == "" {
		return nil, domain.NewValidationError("facility_id", "facility_id is required", nil)
	}
	if in.LocalCode == "" && in.Description == "" {
		return nil, domain.NewValidationError("local_code", "local_code or description is required", nil)
	}
	return s.services.Normalizer.Normalize(ctx, in.FacilityID, in.LocalCode, in.Description)
}

func (s *Server) validateClaim(ctx context.Context, in ValidateClaimInput) (any, error) {
	doc, err := domain.NewClaimDocument(&domain.ClaimRequest{
		FacilityID: in.FacilityID,
		Items:      claimItems(in.Items),
	}, time.Now())
	if err != nil {
		return nil, err
	}
	doc, err = s.services.Normalizer.NormalizeDocument(ctx, doc)
	if err != nil {
		return nil, err
	}

	tier := in.TierRank
	if tier <= 0 {
		if tier, err = s.facilityTier(ctx, doc.FacilityID); err != nil {
			return nil, err
		}
	}
	result, err := s.services.Pricer.Evaluate(ctx, doc, tier)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tier_rank": tier, "pricing": result}, nil
}

func (s *Server) processClaim(ctx context.Context, in ProcessClaimInput) (any, error) {
	requestType, err := domain.ParseRequestType(in.RequestType)
	if err != nil {
		return nil, domain.NewValidationError("request_type", err.Error(), in.RequestType)
	}
	return s.services.Pipeline.Process(ctx, &domain.ClaimRequest{
		TransactionID: in.TransactionID,
		FacilityID:    in.FacilityID,
		PatientRef:    in.PatientRef,
		RequestType:   requestType,
		Items:         claimItems(in.Items),
	})
}

func (s *Server) verifyDocument(ctx context.Context, in VerifyDocumentInput) (any, error) {
	data, err := json.Marshal(in.Document)
	if err != nil {
		return nil, domain.NewValidationError("document", err.Error(), nil)
	}
	var doc domain.ClaimDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, domain.NewValidationError("document", fmt.Sprintf("not a claim document: %v", err), nil)
	}
	return s.services.Verifier.Verify(ctx, &doc)
}

func (s *Server) getTransaction(ctx context.Context, in GetTransactionInput) (any, error) {
	if in.TransactionID == "" {
		return nil, domain.NewValidationError("transaction_id", "transaction_id is required", nil)
	}
	return s.services.Transactions.Get(ctx, in.TransactionID)
}

func (s *Server) listTransactions(ctx context.Context, in ListTransactionsInput) (any, error) {
	filter := domain.TransactionFilter{
		FacilityID: in.FacilityID,
		Status:     domain.TransactionStatus(in.Status),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown transaction status %q", in.Status), in.Status)
	}
	var err error
	if filter.Limit, err = listLimit(in.Limit); err != nil {
		return nil, err
	}

	txs, err := s.services.Transactions.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	return map[string]any{"transactions": txs, "count": len(txs)}, nil
}

func (s *Server) listReviews(ctx context.Context, in ListReviewsInput) (any, error) {
	filter := review.ListFilter{
		Status:     domain.ReviewStatus(in.Status),
		FacilityID: in.FacilityID,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, domain.NewValidationError("status", fmt.Sprintf("unknown review status %q", in.Status), in.Status)
	}
	var err error
	if filter.Limit, err = listLimit(in.Limit); err != nil {
		return nil, err
	}

	items, err := s.services.Reviews.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	total, err := s.services.Reviews.Count(ctx, filter.Status)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*domain.ReviewItem{}
	}
	return map[string]any{"items": items, "total": total}, nil
}

func (s *Server) resolveReview(ctx context.Context, in ResolveReviewInput) (any, error) {
	if in.ID <= 0 {
		return nil, domain.NewValidationError("id", "review id must be a positive integer", in.ID)
	}
	item, err := s.services.Reviews.Resolve(ctx, in.ID, review.Resolution{
		Status:   domain.ReviewStatus(in.Status),
		Code:     in.Code,
		Reviewer: in.Reviewer,
		Notes:    in.Notes,
	})
	if err != nil {
		return nil, err
	}
	if s.services.Normalizer != nil {
		s.services.Normalizer.Forget(ctx, item.DescriptionKey)
	}
	s.logger.WithFields(logrus.Fields{
		"review_id": item.ID,
		"status":    item.Status,
		"reviewer":  item.Reviewer,
	}).Info("Review resolved")
	return item, nil
}

func (s *Server) facilityTier(ctx context.Context, facilityID string) (int, error) {
	if s.services.Tiers == nil {
		return s.services.DefaultTier, nil
	}
	rank, found, err := s.services.Tiers.FacilityTier(ctx, facilityID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve tier for facility %s: %w", facilityID, err)
	}
	if !found {
		return s.services.DefaultTier, nil
	}
	return rank, nil
}

func claimItems(in []ClaimItemInput) []domain.ClaimItemRequest {
	items := make([]domain.ClaimItemRequest, 0, len(in))
	for _, item := range in {
		items = append(items, domain.ClaimItemRequest{
			LocalCode:        item.LocalCode,
			Description:      item.Description,
			Quantity:         item.Quantity,
			UnitPrice:        domain.NewMoney(item.UnitPrice),
			ServiceDate:      item.ServiceDate,
			AuthorizationRef: item.AuthorizationRef,
		})
	}
	return items
}

func listLimit(limit int) (int, error) {
	switch {
	case limit == 0:
		return 50, nil
	case limit < 0 || limit > maxListLimit:
		return 0, domain.NewValidationError("limit", fmt.Sprintf("limit must be between 1 and %d", maxListLimit), limit)
	default:
		return limit, nil
	}
}
