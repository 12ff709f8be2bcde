package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPipelineError(t *testing.T) {
	tests := []struct {
		name     string
		err      *PipelineError
		sentinel error
		code     string
	}{
		{
			name:     "Not found",
			err:      NewNotFoundError("no mapping for LAB-1"),
			sentinel: ErrNotFound,
			code:     CodeNotFound,
		},
		{
			name:     "Configuration",
			err:      NewConfigurationError("default tier 5 missing"),
			sentinel: ErrConfiguration,
			code:     CodeConfiguration,
		},
		{
			name:     "No certificate",
			err:      NewNoActiveCertificateError("FAC-1"),
			sentinel: ErrNoActiveCertificate,
			code:     CodeNoActiveCertificate,
		},
		{
			name:     "Expired certificate",
			err:      NewExpiredCertificateError("FAC-1", "ABC123", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
			sentinel: ErrExpiredCertificate,
			code:     CodeExpiredCertificate,
		},
		{
			name:     "Transport",
			err:      NewTransportError("dial failed", errors.New("connection refused")),
			sentinel: ErrTransport,
			code:     CodeTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("Expected error to wrap %v", tt.sentinel)
			}

			wrapped := fmt.Errorf("processing claim: %w", tt.err)
			if got := ErrorCode(wrapped); got != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, got)
			}

			if tt.err.Timestamp.IsZero() {
				t.Error("Expected timestamp to be set")
			}
		})
	}
}

func TestPipelineErrorMessage(t *testing.T) {
	err := NewConfigurationError("tier table not monotonic").
		WithStage(StageRules).
		WithDocument("FAC-1", "CLM-9")

	want := "[rules] CONFIGURATION_ERROR: tier table not monotonic (document CLM-9)"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
	if err.FacilityID != "FAC-1" {
		t.Errorf("Expected facility FAC-1, got %s", err.FacilityID)
	}
}

func TestErrorCodeFromSentinels(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("x: %w", ErrInvalidDocument), CodeInvalidDocument},
		{fmt.Errorf("x: %w", ErrSubmissionInProgress), CodeSubmissionInProgress},
		{NewValidationError("facility_id", "required", ""), CodeInvalidInput},
		{errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.code {
				t.Errorf("Expected %s, got %s", tt.code, got)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(NewConfigurationError("bad")) {
		t.Error("configuration errors abort the document")
	}
	if !IsFatal(NewNoActiveCertificateError("FAC-1")) {
		t.Error("certificate errors abort the document")
	}
	if IsFatal(NewTransportError("timeout", errors.New("i/o timeout"))) {
		t.Error("transport errors are retried, not fatal")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("quantity", "must be positive", -1)

	expected := "validation error for field 'quantity': must be positive"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("Expected validation error to match ErrInvalidInput")
	}
}
