package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/gateway"
	"github.com/sbs-integration-engine/internal/review"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBatchSize    = 100
)

// NormalizeRequest asks for one local code to be resolved.
type NormalizeRequest struct {
	FacilityID  string `json:"facility_id" binding:"required"`
	LocalCode   string `json:"local_code"`
	Description string `json:"description"`
}

// ValidateRequest prices either a raw claim, which is normalized first, or
// an already normalized document.
type ValidateRequest struct {
	Claim    *domain.ClaimRequest  `json:"claim"`
	Document *domain.ClaimDocument `json:"document"`
	TierRank int                   `json:"tier_rank"`
}

// ValidateResponse carries the priced document and findings.
type ValidateResponse struct {
	TierRank int                   `json:"tier_rank"`
	Pricing  *domain.PricingResult `json:"pricing"`
}

// SignRequest asks for a document to be signed.
type SignRequest struct {
	Document   *domain.ClaimDocument `json:"document" binding:"required"`
	FacilityID string                `json:"facility_id"`
}

// VerifyRequest asks for a signature check.
type VerifyRequest struct {
	Document *domain.ClaimDocument `json:"document" binding:"required"`
}

// SubmitRequest asks for a signed document to be delivered.
type SubmitRequest struct {
	TransactionID string                `json:"transaction_id"`
	FacilityID    string                `json:"facility_id"`
	RequestType   string                `json:"request_type"`
	Document      *domain.ClaimDocument `json:"document" binding:"required"`
}

// BatchRequest carries several claims.
type BatchRequest struct {
	Claims []*domain.ClaimRequest `json:"claims" binding:"required"`
}

// ReviewList is a page of review items.
type ReviewList struct {
	Items []*domain.ReviewItem `json:"items"`
	Total int64                `json:"total"`
}

func (s *Server) handleNormalize(c *gin.Context) {
	var req NormalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "body", err.Error())
		return
	}
	if req.LocalCode == "" && req.Description == "" {
		s.badRequest(c, "local_code", "local_code or description is required")
		return
	}

	result, err := s.services.Normalizer.Normalize(c.Request.Context(), req.FacilityID, req.LocalCode, req.Description)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleValidate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "body", err.Error())
		return
	}
	ctx := c.Request.Context()

	var doc *domain.ClaimDocument
	switch {
	case req.Claim != nil:
		built, err := domain.NewClaimDocument(req.Claim, time.Now())
		if err != nil {
			s.respondError(c, err)
			return
		}
		doc, err = s.services.Normalizer.NormalizeDocument(ctx, built)
		if err != nil {
			s.respondError(c, err)
			return
		}
	case req.Document != nil:
		doc = req.Document
	default:
		s.badRequest(c, "claim", "claim or document is required")
		return
	}

	tier := req.TierRank
	if tier <= 0 {
		var err error
		if tier, err = s.facilityTier(ctx, doc.FacilityID); err != nil {
			s.respondError(c, err)
			return
		}
	}

	result, err := s.services.Pricer.Evaluate(ctx, doc, tier)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ValidateResponse{TierRank: tier, Pricing: result})
}

func (s *Server) handleSign(c *gin.Context) {
	var req SignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "body", err.Error())
		return
	}

	signed, err := s.services.Signer.Sign(c.Request.Context(), req.Document, req.FacilityID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, signed)
}

func (s *Server) handleVerify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "body", err.Error())
		return
	}

	result, err := s.services.Signer.Verify(c.Request.Context(), req.Document)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "body", err.Error())
		return
	}
	requestType, err := domain.ParseRequestType(req.RequestType)
	if err != nil {
		s.badRequest(c, "request_type", err.Error())
		return
	}

	tx, err := s.services.Submissions.Submit(c.Request.Context(), gateway.SubmitRequest{
		TransactionID: req.TransactionID,
		Document:      req.Document,
		FacilityID:    req.FacilityID,
		RequestType:   requestType,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (s *Server) handleProcessClaim(c *gin.Context) {
	var req domain.ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "body", err.Error())
		return
	}

	result, err := s.services.Pipeline.Process(c.Request.Context(), &req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleProcessBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "body", err.Error())
		return
	}
	if len(req.Claims) == 0 || len(req.Claims) > maxBatchSize {
		s.badRequest(c, "claims", fmt.Sprintf("batch must contain between 1 and %d claims", maxBatchSize))
		return
	}

	results, err := s.services.Pipeline.ProcessBatch(c.Request.Context(), req.Claims)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	tx, err := s.services.Submissions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": tx,
		"in_flight":   s.services.Submissions.InFlight(tx.ID),
	})
}

func (s *Server) handleListTransactions(c *gin.Context) {
	limit, offset, ok := s.page(c)
	if !ok {
		return
	}
	filter := domain.TransactionFilter{
		FacilityID: c.Query("facility_id"),
		Status:     domain.TransactionStatus(c.Query("status")),
		Limit:      limit,
		Offset:     offset,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		s.badRequest(c, "status", fmt.Sprintf("unknown transaction status %q", filter.Status))
		return
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.badRequest(c, "since", "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}

	txs, err := s.services.Submissions.List(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

func (s *Server) handleCancelTransaction(c *gin.Context) {
	id := c.Param("id")
	if s.services.Submissions.Cancel(id) {
		c.JSON(http.StatusAccepted, gin.H{"transaction_id": id, "cancelled": true})
		return
	}

	tx, err := s.services.Submissions.Get(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondError(c, domain.NewPipelineError(domain.CodeIllegalTransition,
		fmt.Sprintf("transaction %s is not in flight (status %s)", id, tx.Status), domain.ErrIllegalTransition).
		WithStage(domain.StageGateway))
}

func (s *Server) handleListReviews(c *gin.Context) {
	if !s.reviewsEnabled(c) {
		return
	}
	limit, offset, ok := s.page(c)
	if !ok {
		return
	}
	filter := review.ListFilter{
		Status:     domain.ReviewStatus(c.Query("status")),
		FacilityID: c.Query("facility_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		s.badRequest(c, "status", fmt.Sprintf("unknown review status %q", filter.Status))
		return
	}

	ctx := c.Request.Context()
	items, err := s.services.Reviews.List(ctx, filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	total, err := s.services.Reviews.Count(ctx, filter.Status)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if items == nil {
		items = []*domain.ReviewItem{}
	}
	c.JSON(http.StatusOK, ReviewList{Items: items, Total: total})
}

func (s *Server) handleResolveReview(c *gin.Context) {
	if !s.reviewsEnabled(c) {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		s.badRequest(c, "id", "review id must be a positive integer")
		return
	}
	var resolution review.Resolution
	if err := c.ShouldBindJSON(&resolution); err != nil {
		s.badRequest(c, "body", err.Error())
		return
	}

	item, err := s.services.Reviews.Resolve(c.Request.Context(), id, resolution)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if s.services.Normalizer != nil {
		s.services.Normalizer.Forget(c.Request.Context(), item.DescriptionKey)
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) reviewsEnabled(c *gin.Context) bool {
	if s.services.Reviews != nil {
		return true
	}
	s.respondError(c, domain.NewPipelineError(CodeServiceUnavailable, "review queue is disabled", nil))
	return false
}

func (s *Server) page(c *gin.Context) (limit, offset int, ok bool) {
	limit = defaultPageSize
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxPageSize {
			s.badRequest(c, "limit", fmt.Sprintf("limit must be between 1 and %d", maxPageSize))
			return 0, 0, false
		}
		limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.badRequest(c, "offset", "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
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
