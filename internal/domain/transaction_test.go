package domain

import (
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestTransactionTransitions(t *testing.T) {
	tests := []struct {
		from    TransactionStatus
		to      TransactionStatus
		allowed bool
	}{
		{TxPending, TxSubmitted, true},
		{TxPending, TxError, true},
		{TxPending, TxAccepted, false},
		{TxSubmitted, TxAccepted, true},
		{TxSubmitted, TxRejected, true},
		{TxSubmitted, TxError, true},
		{TxSubmitted, TxSubmitted, false},
		{TxSubmitted, TxPending, false},
		{TxAccepted, TxError, false},
		{TxRejected, TxSubmitted, false},
		{TxError, TxSubmitted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestTransactionTerminalStatesAreImmutable(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	doc := &ClaimDocument{ID: "CLM-1", FacilityID: "FAC-1"}
	tx := NewTransaction("", doc, RequestClaim, now)

	if err := tx.Transition(TxSubmitted, now); err != nil {
		t.Fatalf("pending -> submitted failed: %v", err)
	}
	if err := tx.Transition(TxAccepted, now.Add(time.Second)); err != nil {
		t.Fatalf("submitted -> accepted failed: %v", err)
	}
	if tx.CompletedAt == nil {
		t.Fatal("expected completion time on terminal state")
	}

	err := tx.Transition(TxError, now.Add(2*time.Second))
	if !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Expected ErrIllegalTransition, got %v", err)
	}
	if tx.Status != TxAccepted {
		t.Errorf("terminal status changed to %s", tx.Status)
	}

	if err := tx.RecordAttempt(Attempt{Timestamp: now}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Expected attempts on terminal transaction to fail, got %v", err)
	}
}

func TestTransactionRecordAttempt(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	tx := NewTransaction("TXN-ABC", &ClaimDocument{ID: "CLM-1", FacilityID: "FAC-1"}, RequestClaim, now)
	_ = tx.Transition(TxSubmitted, now)

	for i := 0; i < 3; i++ {
		if err := tx.RecordAttempt(Attempt{
			Timestamp:      now.Add(time.Duration(i) * time.Second),
			StatusCode:     503,
			Classification: AttemptRetryable,
			Summary:        "service unavailable",
		}); err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}

	if tx.RetryCount != 3 {
		t.Errorf("Expected retry count 3, got %d", tx.RetryCount)
	}
	for i, a := range tx.Attempts {
		if a.Number != i+1 {
			t.Errorf("attempt %d numbered %d", i, a.Number)
		}
	}
	if tx.LastStatusCode != 503 {
		t.Errorf("Expected last status 503, got %d", tx.LastStatusCode)
	}

	clone := tx.Clone()
	clone.Attempts[0].Summary = "changed"
	if tx.Attempts[0].Summary == "changed" {
		t.Error("Clone shares attempt history with the original")
	}
}

func TestTransactionClaim(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	lease := 2 * time.Minute
	doc := &ClaimDocument{ID: "CLM-1", FacilityID: "FAC-1"}

	tests := []struct {
		name        string
		status      TransactionStatus
		updatedAt   time.Time
		wantClaimed bool
		wantErr     error
		wantStatus  TransactionStatus
	}{
		{"pending", TxPending, now, true, nil, TxSubmitted},
		{"fresh submitted", TxSubmitted, now.Add(-time.Minute), false, ErrSubmissionInProgress, TxSubmitted},
		{"stale submitted", TxSubmitted, now.Add(-3 * time.Minute), true, nil, TxSubmitted},
		{"terminal", TxAccepted, now.Add(-time.Hour), false, nil, TxAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := NewTransaction("TXN-1", doc, RequestClaim, tt.updatedAt)
			tx.Status = tt.status

			claimed, err := tx.Claim(now.Add(-lease), now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Claim() error = %v, want %v", err, tt.wantErr)
			}
			if claimed != tt.wantClaimed {
				t.Errorf("Claim() = %v, want %v", claimed, tt.wantClaimed)
			}
			if tx.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", tx.Status, tt.wantStatus)
			}
			if claimed && !tx.UpdatedAt.Equal(now) {
				t.Errorf("UpdatedAt = %v, want %v", tx.UpdatedAt, now)
			}
		})
	}
}

func TestNewTransactionID(t *testing.T) {
	pattern := regexp.MustCompile(`^TXN-[0-9A-F]{12}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewTransactionID()
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected id format %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
