package domain

import (
	"errors"
	"fmt"
	"time"
)

// Stage names the pipeline stage an error originated in.
type Stage string

const (
	StageIntake     Stage = "intake"
	StageNormalizer Stage = "normalizer"
	StageRules      Stage = "rules"
	StageSigner     Stage = "signer"
	StageGateway    Stage = "gateway"
)

// Error codes for different failure scenarios
const (
	CodeNotFound             = "NOT_FOUND"
	CodeConfiguration        = "CONFIGURATION_ERROR"
	CodeNoActiveCertificate  = "NO_ACTIVE_CERTIFICATE"
	CodeExpiredCertificate   = "EXPIRED_CERTIFICATE"
	CodeTransport            = "TRANSPORT_ERROR"
	CodeInvalidDocument      = "INVALID_DOCUMENT"
	CodeIllegalTransition    = "ILLEGAL_TRANSITION"
	CodeSubmissionInProgress = "SUBMISSION_IN_PROGRESS"
	CodeSignatureInvalid     = "SIGNATURE_INVALID"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeInternal             = "INTERNAL_SERVER_ERROR"
)

// PipelineError is the standardized error carried across stage boundaries.
type PipelineError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Stage      Stage     `json:"stage,omitempty"`
	FacilityID string    `json:"facility_id,omitempty"`
	DocumentID string    `json:"document_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Err        error     `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] %s", e.Stage, msg)
	}
	if e.DocumentID != "" {
		msg += fmt.Sprintf(" (document %s)", e.DocumentID)
	}
	return msg
}

// Unwrap exposes the wrapped sentinel.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// WithStage sets the originating stage.
func (e *PipelineError) WithStage(s Stage) *PipelineError {
	e.Stage = s
	return e
}

// WithDocument records the facility and document the error relates to.
func (e *PipelineError) WithDocument(facilityID, documentID string) *PipelineError {
	e.FacilityID = facilityID
	e.DocumentID = documentID
	return e
}

// WithDetails attaches free-form diagnostics.
func (e *PipelineError) WithDetails(details string) *PipelineError {
	e.Details = details
	return e
}

// NewPipelineError creates a new PipelineError with timestamp
func NewPipelineError(code, message string, err error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Err:       err,
	}
}

// NewNotFoundError reports a missing mapping or reference record.
func NewNotFoundError(message string) *PipelineError {
	return NewPipelineError(CodeNotFound, message, ErrNotFound)
}

// NewConfigurationError reports invalid or missing reference configuration.
func NewConfigurationError(message string) *PipelineError {
	return NewPipelineError(CodeConfiguration, message, ErrConfiguration)
}

// NewNoActiveCertificateError reports a facility without a usable certificate.
func NewNoActiveCertificateError(facilityID string) *PipelineError {
	return NewPipelineError(CodeNoActiveCertificate,
		fmt.Sprintf("no active certificate for facility %s", facilityID), ErrNoActiveCertificate).
		WithStage(StageSigner).WithDocument(facilityID, "")
}

// NewExpiredCertificateError reports a certificate past its validity window.
func NewExpiredCertificateError(facilityID, serial string, expiredAt time.Time) *PipelineError {
	return NewPipelineError(CodeExpiredCertificate,
		fmt.Sprintf("certificate %s for facility %s expired at %s", serial, facilityID, expiredAt.UTC().Format(time.RFC3339)),
		ErrExpiredCertificate).WithStage(StageSigner).WithDocument(facilityID, "")
}

// NewTransportError wraps a network-level failure.
func NewTransportError(message string, err error) *PipelineError {
	return NewPipelineError(CodeTransport, message, fmt.Errorf("%w: %w", ErrTransport, err)).WithStage(StageGateway)
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Unwrap makes validation errors match ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ErrorCode maps any error to its machine-readable code.
func ErrorCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrNoActiveCertificate):
		return CodeNoActiveCertificate
	case errors.Is(err, ErrExpiredCertificate):
		return CodeExpiredCertificate
	case errors.Is(err, ErrTransport):
		return CodeTransport
	case errors.Is(err, ErrInvalidDocument):
		return CodeInvalidDocument
	case errors.Is(err, ErrIllegalTransition):
		return CodeIllegalTransition
	case errors.Is(err, ErrSubmissionInProgress):
		return CodeSubmissionInProgress
	case errors.Is(err, ErrSignatureVerification):
		return CodeSignatureInvalid
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	default:
		return CodeInternal
	}
}

// IsFatal reports whether the error must abort processing of the document.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrNoActiveCertificate) ||
		errors.Is(err, ErrExpiredCertificate) ||
		errors.Is(err, ErrInvalidDocument)
}
