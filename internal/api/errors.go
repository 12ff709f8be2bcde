package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/middleware"
)

// Codes produced only at the HTTP boundary.
const (
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

var statusByCode = map[string]int{
	domain.CodeNotFound:             http.StatusNotFound,
	domain.CodeInvalidInput:         http.StatusBadRequest,
	domain.CodeInvalidDocument:      http.StatusUnprocessableEntity,
	domain.CodeSignatureInvalid:     http.StatusUnprocessableEntity,
	domain.CodeNoActiveCertificate:  http.StatusUnprocessableEntity,
	domain.CodeExpiredCertificate:   http.StatusUnprocessableEntity,
	domain.CodeIllegalTransition:    http.StatusConflict,
	domain.CodeSubmissionInProgress: http.StatusConflict,
	domain.CodeTransport:            http.StatusBadGateway,
	domain.CodeConfiguration:        http.StatusInternalServerError,
	CodeTimeout:                     http.StatusGatewayTimeout,
	CodeServiceUnavailable:          http.StatusServiceUnavailable,
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes err as an ErrorResponse. Internal errors are logged and
// their message withheld.
func (s *Server) respondError(c *gin.Context, err error) {
	resp := ErrorResponse{
		Code:      domain.ErrorCode(err),
		Message:   err.Error(),
		RequestID: middleware.GetRequestID(c),
	}

	var pe *domain.PipelineError
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		resp.Code = CodeTimeout
		resp.Message = "request timed out"
	case errors.As(err, &pe):
		resp.Message = pe.Message
		resp.Details = map[string]any{}
		if pe.Stage != "" {
			resp.Details["stage"] = pe.Stage
		}
		if pe.FacilityID != "" {
			resp.Details["facility_id"] = pe.FacilityID
		}
		if pe.DocumentID != "" {
			resp.Details["document_id"] = pe.DocumentID
		}
		if pe.Details != "" {
			resp.Details["info"] = pe.Details
		}
	case errors.As(err, &ve):
		resp.Message = ve.Message
		resp.Details = map[string]any{"field": ve.Field}
	}
	if len(resp.Details) == 0 {
		resp.Details = nil
	}

	status := HTTPStatus(resp.Code)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": resp.RequestID,
			"code":       resp.Code,
		}).Error("Request failed")
		if resp.Code == domain.CodeInternal {
			resp.Message = "internal server error"
		}
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, resp)
}

// badRequest reports a malformed request body or parameter.
func (s *Server) badRequest(c *gin.Context, field, message string) {
	s.respondError(c, domain.NewValidationError(field, message, nil))
}
