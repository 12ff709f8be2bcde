package domain

import (
	"crypto"
	"time"
)

// Signature block values used on signed claims.
const (
	SignatureTypeSystem  = "urn:iso-astm:E1762-95:2013"
	SignatureTypeCode    = "1.2.840.10065.1.12.1.1"
	SignatureTypeDisplay = "Author's Signature"
	SignatureFormat      = "application/signature+xml"
	SignatureAlgorithm   = "SHA256withRSA"
)

// Coding is a FHIR-style code reference.
type Coding struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// Reference points at another resource, e.g. "Organization/FAC-001".
type Reference struct {
	Reference string `json:"reference"`
}

// Signature is the signature block attached to a signed document.
type Signature struct {
	Type              []Coding  `json:"type"`
	When              string    `json:"when"`
	Who               Reference `json:"who"`
	SigFormat         string    `json:"sigFormat"`
	Algorithm         string    `json:"algorithm"`
	CertificateSerial string    `json:"certificateSerial,omitempty"`
	Data              string    `json:"data"`
}

func (s Signature) clone() Signature {
	s.Type = append([]Coding(nil), s.Type...)
	return s
}

// SignerRef returns the organization reference that produced the signature.
func (s Signature) SignerRef() string {
	return s.Who.Reference
}

// OrganizationRef builds the signer reference for a facility.
func OrganizationRef(facilityID string) string {
	return "Organization/" + facilityID
}

// CertificateInfo describes the certificate behind a signing key.
type CertificateInfo struct {
	SerialNumber string    `json:"serial_number"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	ValidFrom    time.Time `json:"valid_from"`
	ValidUntil   time.Time `json:"valid_until"`
}

// DaysUntilExpiry returns whole days left before the certificate expires.
func (c CertificateInfo) DaysUntilExpiry(now time.Time) int {
	return int(c.ValidUntil.Sub(now).Hours() / 24)
}

// KeyHandle is an active signing key resolved from a key store.
type KeyHandle struct {
	SignerRef   string
	Signer      crypto.Signer
	Certificate CertificateInfo
}

// VerificationResult reports the outcome of a signature check.
type VerificationResult struct {
	Valid             bool   `json:"valid"`
	SignerRef         string `json:"signer_ref,omitempty"`
	Algorithm         string `json:"algorithm,omitempty"`
	CertificateSerial string `json:"certificate_serial,omitempty"`
	Digest            string `json:"digest,omitempty"`
	Reason            string `json:"reason,omitempty"`
}
