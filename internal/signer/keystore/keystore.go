// Package keystore provides facility signing keys and certificates to the
// document signer.
package keystore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sbs-integration-engine/internal/domain"
)

// TestKeyBits is the RSA modulus size used for generated keys.
const TestKeyBits = 2048

// CertificateInfo extracts the fields the signer reports from a certificate.
func CertificateInfo(cert *x509.Certificate) domain.CertificateInfo {
	return domain.CertificateInfo{
		SerialNumber: fmt.Sprintf("%X", cert.SerialNumber),
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		ValidFrom:    cert.NotBefore,
		ValidUntil:   cert.NotAfter,
	}
}

// checkValidity maps a certificate's validity window to certificate errors.
func checkValidity(facilityID string, cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return domain.NewNoActiveCertificateError(facilityID).
			WithDetails(fmt.Sprintf("certificate %X not valid before %s", cert.SerialNumber, cert.NotBefore.UTC().Format(time.RFC3339)))
	}
	if now.After(cert.NotAfter) {
		return domain.NewExpiredCertificateError(facilityID, fmt.Sprintf("%X", cert.SerialNumber), cert.NotAfter)
	}
	return nil
}

// facilityFromRef extracts the facility id from an "Organization/<id>" reference.
func facilityFromRef(signerRef string) string {
	return strings.TrimPrefix(signerRef, "Organization/")
}

func newHandle(facilityID string, key crypto.Signer, cert *x509.Certificate) *domain.KeyHandle {
	return &domain.KeyHandle{
		SignerRef:   domain.OrganizationRef(facilityID),
		Signer:      key,
		Certificate: CertificateInfo(cert),
	}
}

// GenerateTestKeypair creates an RSA key and a self-signed certificate for a
// facility, valid from now for validFor.
func GenerateTestKeypair(facilityID string, now time.Time, validFor time.Duration) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, TestKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   facilityID,
			Organization: []string{facilityID},
			Country:      []string{"SA"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return key, cert, nil
}
