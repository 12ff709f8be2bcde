package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// TransactionStatus is the lifecycle state of a clearinghouse submission.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxSubmitted TransactionStatus = "submitted"
	TxAccepted  TransactionStatus = "accepted"
	TxRejected  TransactionStatus = "rejected"
	TxError     TransactionStatus = "error"
)

// transitions lists the allowed target states for each state.
var transitions = map[TransactionStatus][]TransactionStatus{
	TxPending:   {TxSubmitted, TxError},
	TxSubmitted: {TxAccepted, TxRejected, TxError},
	TxAccepted:  nil,
	TxRejected:  nil,
	TxError:     nil,
}

// IsValid reports whether s is a known state.
func (s TransactionStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s TransactionStatus) IsTerminal() bool {
	return s == TxAccepted || s == TxRejected || s == TxError
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to TransactionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AttemptClass is the classification of a single call to the
// clearinghouse. Caller cancellation makes no call and is recorded on the
// transaction outcome instead.
type AttemptClass string

const (
	AttemptSuccess   AttemptClass = "success"
	AttemptRejected  AttemptClass = "rejected"
	AttemptRetryable AttemptClass = "retryable"
	AttemptFatal     AttemptClass = "fatal"
)

// Attempt is one immutable entry in a transaction's attempt history.
type Attempt struct {
	Number         int           `json:"number"`
	Timestamp      time.Time     `json:"timestamp"`
	StatusCode     int           `json:"status_code,omitempty"`
	Classification AttemptClass  `json:"classification"`
	Summary        string        `json:"summary"`
	Duration       time.Duration `json:"duration"`
}

// Transaction tracks one document submission to the clearinghouse.
type Transaction struct {
	ID             string            `json:"id"`
	DocumentID     string            `json:"document_id"`
	FacilityID     string            `json:"facility_id"`
	RequestType    RequestType       `json:"request_type"`
	Status         TransactionStatus `json:"status"`
	RetryCount     int               `json:"retry_count"`
	Attempts       []Attempt         `json:"attempts"`
	LastStatusCode int               `json:"last_status_code,omitempty"`
	LastMessage    string            `json:"last_message,omitempty"`
	ExternalID     string            `json:"external_id,omitempty"`
	Outcome        string            `json:"outcome,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// NewTransaction creates a pending transaction for a document.
func NewTransaction(id string, doc *ClaimDocument, requestType RequestType, now time.Time) *Transaction {
	if id == "" {
		id = NewTransactionID()
	}
	return &Transaction{
		ID:          id,
		DocumentID:  doc.ID,
		FacilityID:  doc.FacilityID,
		RequestType: requestType,
		Status:      TxPending,
		Attempts:    []Attempt{},
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
}

// NewTransactionID returns an identifier of the form TXN-XXXXXXXXXXXX.
func NewTransactionID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return "TXN-" + strings.ToUpper(hex.EncodeToString(b[:]))
}

// Transition moves the transaction to a new state.
func (t *Transaction) Transition(to TransactionStatus, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return NewPipelineError(CodeIllegalTransition,
			fmt.Sprintf("cannot move transaction %s from %s to %s", t.ID, t.Status, to), ErrIllegalTransition).
			WithStage(StageGateway)
	}
	t.Status = to
	t.UpdatedAt = now.UTC()
	if to.IsTerminal() {
		done := now.UTC()
		t.CompletedAt = &done
	}
	return nil
}

// Claim takes the submission lease. A pending transaction moves to
// submitted. A submitted transaction is taken over only when its last update
// is before staleBefore; otherwise ErrSubmissionInProgress is returned.
// Terminal transactions are left unchanged and report false.
func (t *Transaction) Claim(staleBefore, now time.Time) (bool, error) {
	switch {
	case t.Status.IsTerminal():
		return false, nil
	case t.Status == TxPending:
		return true, t.Transition(TxSubmitted, now)
	case t.UpdatedAt.Before(staleBefore):
		t.UpdatedAt = now.UTC()
		return true, nil
	default:
		return false, NewPipelineError(CodeSubmissionInProgress,
			fmt.Sprintf("transaction %s is already being submitted", t.ID), ErrSubmissionInProgress).
			WithStage(StageGateway)
	}
}

// RecordAttempt appends an attempt and bumps the retry count.
func (t *Transaction) RecordAttempt(a Attempt) error {
	if t.Status.IsTerminal() {
		return NewPipelineError(CodeIllegalTransition,
			fmt.Sprintf("transaction %s is %s", t.ID, t.Status), ErrIllegalTransition).WithStage(StageGateway)
	}
	a.Number = len(t.Attempts) + 1
	t.Attempts = append(t.Attempts, a)
	t.RetryCount = len(t.Attempts)
	if a.StatusCode != 0 {
		t.LastStatusCode = a.StatusCode
	}
	t.LastMessage = a.Summary
	t.UpdatedAt = a.Timestamp.UTC()
	return nil
}

// Clone returns a copy with its own attempt slice.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	out := *t
	out.Attempts = append([]Attempt(nil), t.Attempts...)
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return &out
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	FacilityID string
	Status     TransactionStatus
	Since      time.Time
	Limit      int
	Offset     int
}
