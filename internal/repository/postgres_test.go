package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbs-integration-engine/internal/database/dbtest"
	"github.com/sbs-integration-engine/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func testSnapshot() *domain.ReferenceSnapshot {
	return &domain.ReferenceSnapshot{
		Tiers: []domain.PricingTier{
			{Rank: 1, Name: "Tier 1", MarkupPct: 10},
			{Rank: 5, Name: "Tier 5", MarkupPct: 40},
		},
		Catalogue: []domain.CatalogueEntry{
			{Code: "SBS-LAB-001", Description: "Complete Blood Count (CBC)", Category: "Laboratory", StandardPrice: 5000},
			{Code: "SBS-RAD-001", Description: "Chest X-Ray Standard", Category: "Radiology", StandardPrice: 15000},
			{Code: "SBS-SURG-001", Description: "Appendectomy", Category: "Surgery", StandardPrice: 850000},
		},
		Facilities: []domain.Facility{
			{ID: "FAC-001", Name: "Riyadh General", TierRank: 1},
			{ID: "FAC-002", Name: "Unassigned Clinic"},
		},
		Mappings: []domain.CodeMapping{
			{FacilityID: "FAC-001", LocalCode: "LAB-CBC-01", Description: "CBC", StandardCode: "SBS-LAB-001"},
		},
		Bundles: []domain.ServiceBundle{
			{Code: "BUNDLE-DIAG", Name: "Diagnostic", RequiredCodes: []string{"SBS-RAD-001", "SBS-LAB-001"}, TotalPrice: 18000},
		},
		QuantityLimits: map[string]int{"SBS-LAB-001": 2},
		PriorAuthCodes: []string{"SBS-SURG-001"},
	}
}

func TestReferenceRepository(t *testing.T) {
	pg := dbtest.Start(t)
	ctx := context.Background()
	repo := NewReferenceRepository(pg.DB.Pool, testLogger())

	require.NoError(t, repo.Seed(ctx, testSnapshot()))
	// seeding twice is idempotent
	require.NoError(t, repo.Seed(ctx, testSnapshot()))

	result, err := repo.Lookup(ctx, "FAC-001", "LAB-CBC-01")
	require.NoError(t, err)
	assert.Equal(t, "SBS-LAB-001", result.StandardCode)
	assert.Equal(t, domain.Money(5000), result.StandardPrice)
	assert.Equal(t, domain.SourceManual, result.Source)
	assert.Equal(t, 1.0, result.Confidence)

	_, err = repo.Lookup(ctx, "FAC-001", "UNKNOWN")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	catalogue, err := repo.Catalogue(ctx)
	require.NoError(t, err)
	require.Len(t, catalogue, 3)
	assert.Equal(t, "SBS-LAB-001", catalogue[0].Code)

	tiers, err := repo.Tiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, 40.0, tiers[1].MarkupPct)

	bundles, err := repo.Bundles(ctx)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, []string{"SBS-LAB-001", "SBS-RAD-001"}, bundles[0].RequiredCodes)
	assert.Equal(t, domain.Money(18000), bundles[0].TotalPrice)

	limits, err := repo.QuantityLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"SBS-LAB-001": 2}, limits)

	auth, err := repo.PriorAuthCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"SBS-SURG-001"}, auth)

	rank, found, err := repo.FacilityTier(ctx, "FAC-001")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, rank)

	_, found, err = repo.FacilityTier(ctx, "FAC-002")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = repo.FacilityTier(ctx, "FAC-404")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTransactionRepository(t *testing.T) {
	pg := dbtest.Start(t)
	ctx := context.Background()
	repo := NewTransactionRepository(pg.DB.Pool, testLogger())

	require.NoError(t, repo.Create(ctx, newTx("TXN-1", "FAC-001", t0)))
	require.NoError(t, repo.Create(ctx, newTx("TXN-2", "FAC-002", t0.Add(time.Minute))))
	assert.ErrorIs(t, repo.Create(ctx, newTx("TXN-1", "FAC-001", t0)), domain.ErrInvalidInput)

	tx, err := repo.SetStatus(ctx, "TXN-1", domain.TxSubmitted, domain.StatusUpdate{At: t0})
	require.NoError(t, err)
	assert.Equal(t, domain.TxSubmitted, tx.Status)

	tx, err = repo.AppendAttempt(ctx, "TXN-1", domain.Attempt{
		Timestamp:      t0,
		StatusCode:     503,
		Classification: domain.AttemptRetryable,
		Summary:        "HTTP 503 Service Unavailable",
		Duration:       120 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tx.RetryCount)

	tx, err = repo.SetStatus(ctx, "TXN-1", domain.TxAccepted, domain.StatusUpdate{
		StatusCode: 200,
		ExternalID: "NPHIES-1",
		Outcome:    "complete",
		At:         t0.Add(time.Minute),
	})
	require.NoError(t, err)
	require.NotNil(t, tx.CompletedAt)

	// TXN-2 is claimed once; a concurrent claimant inside the lease is refused
	claimedTx, claimed, err := repo.Claim(ctx, "TXN-2", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, domain.TxSubmitted, claimedTx.Status)
	_, _, err = repo.Claim(ctx, "TXN-2", t0, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, domain.ErrSubmissionInProgress)
	reclaimed, claimed, err := repo.Claim(ctx, "TXN-2", t0.Add(5*time.Minute), t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.True(t, reclaimed.UpdatedAt.Equal(t0.Add(6*time.Minute)))

	got, err := repo.Get(ctx, "TXN-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxAccepted, got.Status)
	assert.Equal(t, "NPHIES-1", got.ExternalID)
	assert.Equal(t, 200, got.LastStatusCode)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, 120*time.Millisecond, got.Attempts[0].Duration)
	assert.True(t, got.Attempts[0].Timestamp.Equal(t0))

	_, err = repo.SetStatus(ctx, "TXN-1", domain.TxError, domain.StatusUpdate{})
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))

	_, err = repo.Get(ctx, "TXN-404")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	all, err := repo.List(ctx, domain.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "TXN-2", all[0].ID)
	assert.Len(t, all[1].Attempts, 1)

	accepted, err := repo.List(ctx, domain.TransactionFilter{Status: domain.TxAccepted})
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "TXN-1", accepted[0].ID)
}

func TestBuildListQuery(t *testing.T) {
	query, args, err := buildListQuery(domain.TransactionFilter{
		FacilityID: "FAC-001",
		Status:     domain.TxError,
		Limit:      10,
		Offset:     20,
	})
	require.NoError(t, err)

	assert.Contains(t, query, "FROM nphies_transactions WHERE facility_id = $1 AND status = $2")
	assert.Contains(t, query, "ORDER BY created_at DESC, transaction_id LIMIT 10 OFFSET 20")
	assert.Equal(t, []interface{}{"FAC-001", "error"}, args)

	query, args, err = buildListQuery(domain.TransactionFilter{})
	require.NoError(t, err)
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)
}
