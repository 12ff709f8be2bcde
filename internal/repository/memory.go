package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sbs-integration-engine/internal/domain"
)

// MemoryTransactionStore keeps transactions in process memory. Reads return
// copies so callers never share attempt slices with the store.
type MemoryTransactionStore struct {
	mu  sync.RWMutex
	txs map[string]*domain.Transaction
}

// NewMemoryTransactionStore creates an empty store.
func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{txs: make(map[string]*domain.Transaction)}
}

// Create stores a new transaction.
func (s *MemoryTransactionStore) Create(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return domain.NewValidationError("id", "transaction id is required", "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("%w: transaction %s already exists", domain.ErrInvalidInput, tx.ID)
	}
	s.txs[tx.ID] = tx.Clone()
	return nil
}

// Get returns a snapshot of the transaction.
func (s *MemoryTransactionStore) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, domain.NewNotFoundError(fmt.Sprintf("transaction %s not found", id))
	}
	return tx.Clone(), nil
}

// AppendAttempt records an attempt and returns the updated snapshot.
func (s *MemoryTransactionStore) AppendAttempt(ctx context.Context, id string, attempt domain.Attempt) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, domain.NewNotFoundError(fmt.Sprintf("transaction %s not found", id))
	}
	if err := tx.RecordAttempt(attempt); err != nil {
		return nil, err
	}
	return tx.Clone(), nil
}

// Claim takes the submission lease under the store lock.
func (s *MemoryTransactionStore) Claim(ctx context.Context, id string, staleBefore, now time.Time) (*domain.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, false, domain.NewNotFoundError(fmt.Sprintf("transaction %s not found", id))
	}
	claimed, err := tx.Claim(staleBefore, now)
	if err != nil {
		return nil, false, err
	}
	return tx.Clone(), claimed, nil
}

// SetStatus applies a state transition with its accompanying fields.
func (s *MemoryTransactionStore) SetStatus(ctx context.Context, id string, status domain.TransactionStatus, update domain.StatusUpdate) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, domain.NewNotFoundError(fmt.Sprintf("transaction %s not found", id))
	}
	at := update.At
	if at.IsZero() {
		at = time.Now()
	}
	if err := tx.Transition(status, at); err != nil {
		return nil, err
	}
	applyUpdate(tx, update)
	return tx.Clone(), nil
}

// List returns matching transactions, newest first.
func (s *MemoryTransactionStore) List(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error) {
	s.mu.RLock()
	out := make([]*domain.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		if filter.FacilityID != "" && tx.FacilityID != filter.FacilityID {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && tx.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, tx.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*domain.Transaction{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// applyUpdate copies the non-empty fields of an update onto tx.
func applyUpdate(tx *domain.Transaction, update domain.StatusUpdate) {
	if update.StatusCode != 0 {
		tx.LastStatusCode = update.StatusCode
	}
	if update.Message != "" {
		tx.LastMessage = update.Message
	}
	if update.ExternalID != "" {
		tx.ExternalID = update.ExternalID
	}
	if update.Outcome != "" {
		tx.Outcome = update.Outcome
	}
}
