package domain

import (
	"context"
	"crypto"
	"net/http"
	"time"
)

// CodeMappingStore resolves facility-specific local codes to standard codes.
// Lookup returns an error wrapping ErrNotFound when no mapping exists.
type CodeMappingStore interface {
	Lookup(ctx context.Context, facilityID, localCode string) (*NormalizationResult, error)
}

// LearnedMappingSource returns mappings confirmed by reviewers, keyed by the
// normalized description hash.
type LearnedMappingSource interface {
	LearnedMapping(ctx context.Context, descriptionKey string) (*NormalizationResult, error)
}

// CatalogueSource provides the standard code catalogue used for fallback matching.
type CatalogueSource interface {
	Catalogue(ctx context.Context) ([]CatalogueEntry, error)
}

// ReferenceDataStore provides pricing reference data.
type ReferenceDataStore interface {
	Tiers(ctx context.Context) ([]PricingTier, error)
	Bundles(ctx context.Context) ([]ServiceBundle, error)
	QuantityLimits(ctx context.Context) (map[string]int, error)
	PriorAuthCodes(ctx context.Context) ([]string, error)
	// FacilityTier returns the facility's tier rank; found is false when the
	// facility has no assignment.
	FacilityTier(ctx context.Context, facilityID string) (rank int, found bool, err error)
}

// KeyStore resolves signing keys and verification keys.
type KeyStore interface {
	ResolveSigningKey(ctx context.Context, facilityID string) (*KeyHandle, error)
	PublicKey(ctx context.Context, signerRef string) (crypto.PublicKey, error)
}

// SubmissionPayload is a signed document ready for the wire.
type SubmissionPayload struct {
	TransactionID string
	FacilityID    string
	RequestType   RequestType
	Body          []byte
}

// TransportResponse is the raw clearinghouse reply.
type TransportResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// ClearinghouseTransport sends a payload to the clearinghouse. Network-level
// failures are returned as errors wrapping ErrTransport.
type ClearinghouseTransport interface {
	Submit(ctx context.Context, payload SubmissionPayload) (*TransportResponse, error)
}

// TransactionStore persists transactions and their attempt history.
type TransactionStore interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	AppendAttempt(ctx context.Context, id string, attempt Attempt) (*Transaction, error)
	// Claim atomically takes the submission lease on a transaction (see
	// Transaction.Claim) and returns the resulting snapshot.
	Claim(ctx context.Context, id string, staleBefore, now time.Time) (*Transaction, bool, error)
	SetStatus(ctx context.Context, id string, status TransactionStatus, update StatusUpdate) (*Transaction, error)
	List(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
}

// StatusUpdate carries the fields written alongside a state transition.
type StatusUpdate struct {
	StatusCode int
	Message    string
	ExternalID string
	Outcome    string
	At         time.Time
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Validate() error
}
