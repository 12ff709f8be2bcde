// Package domain contains the core business entities of the SBS claims
// pipeline: claim documents, normalization results, pricing reference data,
// validation findings, signatures and clearinghouse transactions.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultCurrency is the ISO-4217 currency used for all claim amounts.
const DefaultCurrency = "SAR"

// MappingSource describes how a local code was resolved to a standard code.
type MappingSource string

const (
	SourceManual   MappingSource = "manual"
	SourceLearned  MappingSource = "learned"
	SourceFallback MappingSource = "fallback"
)

// Severity is the severity of a validation finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// FindingStatus reports whether a rule passed or was exceeded.
type FindingStatus string

const (
	StatusPassed   FindingStatus = "passed"
	StatusExceeded FindingStatus = "exceeded"
)

// RequestType is the clearinghouse message type of a submission.
type RequestType string

const (
	RequestClaim       RequestType = "Claim"
	RequestPreAuth     RequestType = "PreAuth"
	RequestEligibility RequestType = "Eligibility"
)

// Sentinel errors. PipelineError wraps these so callers can use errors.Is.
var (
	ErrNotFound              = errors.New("not found")
	ErrConfiguration         = errors.New("configuration error")
	ErrNoActiveCertificate   = errors.New("no active certificate")
	ErrExpiredCertificate    = errors.New("certificate expired")
	ErrTransport             = errors.New("transport error")
	ErrInvalidDocument       = errors.New("invalid document")
	ErrIllegalTransition     = errors.New("illegal transaction state transition")
	ErrSubmissionInProgress  = errors.New("submission already in progress")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidSeverity       = errors.New("invalid severity")
	ErrInvalidMappingSource  = errors.New("invalid mapping source")
	ErrInvalidRequestType    = errors.New("invalid request type")
	ErrInvalidTransactionID  = errors.New("invalid transaction identifier")
	ErrSignatureVerification = errors.New("signature verification failed")
)

// IsValid reports whether s is a known mapping source.
func (s MappingSource) IsValid() bool {
	switch s {
	case SourceManual, SourceLearned, SourceFallback:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	default:
		return false
	}
}

// IsValid reports whether t is a supported request type.
func (t RequestType) IsValid() bool {
	switch t {
	case RequestClaim, RequestPreAuth, RequestEligibility:
		return true
	default:
		return false
	}
}

// ParseRequestType converts a case-insensitive name into a RequestType.
// An empty string resolves to RequestClaim.
func ParseRequestType(s string) (RequestType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "claim":
		return RequestClaim, nil
	case "preauth", "pre-auth", "preauthorization":
		return RequestPreAuth, nil
	case "eligibility":
		return RequestEligibility, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRequestType, s)
	}
}

// Money is an amount in minor currency units (halalas).
type Money int64

// NewMoney converts a decimal amount to Money, rounding half away from zero.
func NewMoney(amount float64) Money {
	return Money(math.Round(amount * 100))
}

// Float returns the amount in major units.
func (m Money) Float() float64 {
	return float64(m) / 100
}

// Mul multiplies the amount by a quantity.
func (m Money) Mul(qty int) Money {
	return m * Money(qty)
}

// ApplyMarkup returns m*(1+pct/100) rounded to the minor unit.
func (m Money) ApplyMarkup(pct float64) Money {
	return Money(math.Round(float64(m) * (1 + pct/100)))
}

// String formats the amount with exactly two fractional digits.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON encodes the amount as a JSON number with two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string.
func (m *Money) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*m = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid money amount %q: %w", raw, err)
	}
	*m = NewMoney(f)
	return nil
}

// MarshalYAML encodes the amount as a decimal number.
func (m Money) MarshalYAML() (interface{}, error) {
	return m.Float(), nil
}

// UnmarshalYAML decodes a decimal number into Money.
func (m *Money) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var f float64
	if err := unmarshal(&f); err != nil {
		return err
	}
	*m = NewMoney(f)
	return nil
}
