// Package signer canonicalizes claim documents and attaches or verifies
// SHA256withRSA signatures.
package signer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

// DefaultExpiryWarningDays is the window in which an expiring certificate is logged.
const DefaultExpiryWarningDays = 30

// Config controls canonicalization and certificate warnings.
type Config struct {
	ExcludedFields    []string
	ExpiryWarningDays int
}

// Signer signs and verifies claim documents.
type Signer struct {
	config Config
	keys   domain.KeyStore
	now    func() time.Time
	logger *logrus.Logger
}

// NewSigner creates a document signer backed by a key store.
func NewSigner(config Config, keys domain.KeyStore, logger *logrus.Logger) *Signer {
	if config.ExpiryWarningDays <= 0 {
		config.ExpiryWarningDays = DefaultExpiryWarningDays
	}
	return &Signer{
		config: config,
		keys:   keys,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the clock used for signature timestamps and expiry warnings.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Canonicalize returns the canonical bytes of doc using the configured exclusions.
func (s *Signer) Canonicalize(doc *domain.ClaimDocument) ([]byte, error) {
	return Canonicalize(doc, s.config.ExcludedFields...)
}

// Sign returns a copy of doc carrying a signature made with the facility's
// active key. Certificate errors from the key store are returned unchanged.
func (s *Signer) Sign(ctx context.Context, doc *domain.ClaimDocument, facilityID string) (*domain.ClaimDocument, error) {
	if doc == nil {
		return nil, domain.NewPipelineError(domain.CodeInvalidDocument, "document is required", domain.ErrInvalidDocument).
			WithStage(domain.StageSigner)
	}
	if facilityID == "" {
		facilityID = doc.FacilityID
	}

	handle, err := s.keys.ResolveSigningKey(ctx, facilityID)
	if err != nil {
		var pe *domain.PipelineError
		if errors.As(err, &pe) {
			pe.WithDocument(facilityID, doc.ID)
		}
		return nil, err
	}

	now := s.now().UTC()
	if days := handle.Certificate.DaysUntilExpiry(now); days <= s.config.ExpiryWarningDays {
		s.logger.WithFields(logrus.Fields{
			"facility_id":        facilityID,
			"certificate_serial": handle.Certificate.SerialNumber,
			"valid_until":        handle.Certificate.ValidUntil,
			"days_remaining":     days,
		}).Warn("Signing certificate is close to expiry")
	}

	signed := doc.Clone()
	signed.Signature = nil

	canonical, err := s.Canonicalize(signed)
	if err != nil {
		return nil, domain.NewPipelineError(domain.CodeInvalidDocument, "failed to canonicalize document", fmt.Errorf("%w: %w", domain.ErrInvalidDocument, err)).
			WithStage(domain.StageSigner).WithDocument(facilityID, doc.ID)
	}
	digest := sha256.Sum256(canonical)

	sig, err := handle.Signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign document %s: %w", doc.ID, err)
	}

	signerRef := handle.SignerRef
	if signerRef == "" {
		signerRef = domain.OrganizationRef(facilityID)
	}
	signed.Signature = &domain.Signature{
		Type: []domain.Coding{{
			System:  domain.SignatureTypeSystem,
			Code:    domain.SignatureTypeCode,
			Display: domain.SignatureTypeDisplay,
		}},
		When:              now.Format(time.RFC3339),
		Who:               domain.Reference{Reference: signerRef},
		SigFormat:         domain.SignatureFormat,
		Algorithm:         domain.SignatureAlgorithm,
		CertificateSerial: handle.Certificate.SerialNumber,
		Data:              base64.StdEncoding.EncodeToString(sig),
	}

	s.logger.WithFields(logrus.Fields{
		"document_id":        doc.ID,
		"facility_id":        facilityID,
		"signer":             signerRef,
		"certificate_serial": handle.Certificate.SerialNumber,
		"digest":             hex.EncodeToString(digest[:]),
	}).Info("Signed claim document")

	return signed, nil
}

// Verify checks the attached signature against the signer's public key. An
// error is returned only when the key store itself fails.
func (s *Signer) Verify(ctx context.Context, doc *domain.ClaimDocument) (*domain.VerificationResult, error) {
	result := &domain.VerificationResult{}
	if doc == nil || doc.Signature == nil {
		result.Reason = "document is not signed"
		return result, nil
	}

	sigBlock := doc.Signature
	result.SignerRef = sigBlock.SignerRef()
	result.Algorithm = sigBlock.Algorithm
	result.CertificateSerial = sigBlock.CertificateSerial

	canonical, err := s.Canonicalize(doc)
	if err != nil {
		result.Reason = fmt.Sprintf("failed to canonicalize document: %v", err)
		return result, nil
	}
	digest := sha256.Sum256(canonical)
	result.Digest = hex.EncodeToString(digest[:])

	if sigBlock.Algorithm != domain.SignatureAlgorithm {
		result.Reason = fmt.Sprintf("unsupported signature algorithm %q", sigBlock.Algorithm)
		return result, nil
	}

	sig, err := base64.StdEncoding.DecodeString(sigBlock.Data)
	if err != nil {
		result.Reason = "signature data is not valid base64"
		return result, nil
	}

	pub, err := s.keys.PublicKey(ctx, result.SignerRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			result.Reason = fmt.Sprintf("unknown signer %s", result.SignerRef)
			return result, nil
		}
		return nil, fmt.Errorf("failed to resolve public key for %s: %w", result.SignerRef, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		result.Reason = fmt.Sprintf("unsupported public key type %T", pub)
		return result, nil
	}

	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		result.Reason = "signature does not match document contents"
		s.logger.WithFields(logrus.Fields{
			"document_id": doc.ID,
			"signer":      result.SignerRef,
		}).Warn("Signature verification failed")
		return result, nil
	}

	result.Valid = true
	return result, nil
}
