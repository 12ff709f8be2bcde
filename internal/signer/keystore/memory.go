package keystore

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/sbs-integration-engine/internal/domain"
)

type memoryEntry struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

// MemoryStore keeps facility keys in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory key store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// Add registers a facility's key and certificate, replacing any previous one.
func (m *MemoryStore) Add(facilityID string, key *rsa.PrivateKey, cert *x509.Certificate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[facilityID] = memoryEntry{key: key, cert: cert}
}

// ResolveSigningKey returns the facility's key if its certificate is currently valid.
func (m *MemoryStore) ResolveSigningKey(ctx context.Context, facilityID string) (*domain.KeyHandle, error) {
	m.mu.RLock()
	entry, ok := m.entries[facilityID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NewNoActiveCertificateError(facilityID)
	}
	if err := checkValidity(facilityID, entry.cert, m.now()); err != nil {
		return nil, err
	}
	return newHandle(facilityID, entry.key, entry.cert), nil
}

// PublicKey returns the certificate public key for a signer reference.
func (m *MemoryStore) PublicKey(ctx context.Context, signerRef string) (crypto.PublicKey, error) {
	m.mu.RLock()
	entry, ok := m.entries[facilityFromRef(signerRef)]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError(fmt.Sprintf("no certificate for signer %s", signerRef))
	}
	return entry.cert.PublicKey, nil
}
