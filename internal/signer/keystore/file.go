package keystore

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

// File names inside a facility's key directory.
const (
	KeyFile  = "key.pem"
	CertFile = "cert.pem"
)

// FileStore reads PEM keys and certificates from <dir>/<facility>/.
// Files are read on every call so rotated certificates take effect without
// a restart.
type FileStore struct {
	dir    string
	now    func() time.Time
	logger *logrus.Logger
}

// NewFileStore creates a key store rooted at dir. now may be nil.
func NewFileStore(dir string, now func() time.Time, logger *logrus.Logger) *FileStore {
	if now == nil {
		now = time.Now
	}
	return &FileStore{dir: dir, now: now, logger: logger}
}

// ResolveSigningKey loads the facility's key and checks its certificate.
func (f *FileStore) ResolveSigningKey(ctx context.Context, facilityID string) (*domain.KeyHandle, error) {
	cert, err := f.loadCertificate(facilityID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewNoActiveCertificateError(facilityID)
		}
		return nil, err
	}
	if err := checkValidity(facilityID, cert, f.now()); err != nil {
		return nil, err
	}

	key, err := f.loadKey(facilityID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewNoActiveCertificateError(facilityID).WithDetails("private key missing")
		}
		return nil, err
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, domain.NewConfigurationError(
			fmt.Sprintf("private key for facility %s does not match its certificate", facilityID)).WithStage(domain.StageSigner)
	}

	f.logger.WithFields(logrus.Fields{
		"facility_id": facilityID,
		"serial":      fmt.Sprintf("%X", cert.SerialNumber),
	}).Debug("Resolved signing key")

	return newHandle(facilityID, key, cert), nil
}

// PublicKey returns the certificate public key for a signer reference.
func (f *FileStore) PublicKey(ctx context.Context, signerRef string) (crypto.PublicKey, error) {
	cert, err := f.loadCertificate(facilityFromRef(signerRef))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewNotFoundError(fmt.Sprintf("no certificate for signer %s", signerRef))
		}
		return nil, err
	}
	return cert.PublicKey, nil
}

func (f *FileStore) facilityDir(facilityID string) (string, error) {
	if facilityID == "" || facilityID != filepath.Base(facilityID) {
		return "", domain.NewValidationError("facility_id", "invalid facility identifier", facilityID)
	}
	return filepath.Join(f.dir, facilityID), nil
}

func (f *FileStore) loadCertificate(facilityID string) (*x509.Certificate, error) {
	dir, err := f.facilityDir(facilityID)
	if err != nil {
		return nil, err
	}
	block, err := readPEM(filepath.Join(dir, CertFile), "CERTIFICATE")
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate for %s: %w", facilityID, err)
	}
	return cert, nil
}

func (f *FileStore) loadKey(facilityID string) (*rsa.PrivateKey, error) {
	dir, err := f.facilityDir(facilityID)
	if err != nil {
		return nil, err
	}
	block, err := readPEM(filepath.Join(dir, KeyFile), "")
	if err != nil {
		return nil, err
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key for %s: %w", facilityID, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key for %s is %T, expected RSA", facilityID, parsed)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block %q in key file for %s", block.Type, facilityID)
	}
}

func readPEM(path, wantType string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	if wantType != "" && block.Type != wantType {
		return nil, fmt.Errorf("unexpected PEM block %q in %s", block.Type, path)
	}
	return block, nil
}

// WriteKeypair stores a key and certificate in the layout FileStore reads.
func WriteKeypair(dir, facilityID string, key *rsa.PrivateKey, cert *x509.Certificate) error {
	target := filepath.Join(dir, facilityID)
	if err := os.MkdirAll(target, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Join(target, KeyFile), keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(filepath.Join(target, CertFile), certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	return nil
}
