package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sbs-integration-engine/internal/domain"
)

func TestValidateTiers(t *testing.T) {
	tests := []struct {
		name    string
		tiers   []domain.PricingTier
		wantErr bool
	}{
		{"Monotonic", testReferenceData().Tiers, false},
		{"Equal markups allowed", []domain.PricingTier{{Rank: 1, MarkupPct: 10}, {Rank: 2, MarkupPct: 10}}, false},
		{"Unsorted input is sorted first", []domain.PricingTier{{Rank: 2, MarkupPct: 20}, {Rank: 1, MarkupPct: 10}}, false},
		{"Decreasing markup", []domain.PricingTier{{Rank: 1, MarkupPct: 20}, {Rank: 2, MarkupPct: 10}}, true},
		{"Duplicate rank", []domain.PricingTier{{Rank: 1, MarkupPct: 10}, {Rank: 1, MarkupPct: 20}}, true},
		{"Zero rank", []domain.PricingTier{{Rank: 0, MarkupPct: 10}}, true},
		{"Negative markup", []domain.PricingTier{{Rank: 1, MarkupPct: -5}}, true},
		{"Empty", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTiers(tt.tiers)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, domain.ErrConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateBundlesRejectsOverlap(t *testing.T) {
	err := ValidateBundles([]domain.ServiceBundle{
		{Code: "B-1", RequiredCodes: []string{"A", "B"}},
		{Code: "B-2", RequiredCodes: []string{"B", "C"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
	assert.Contains(t, err.Error(), "overlap")

	assert.NoError(t, ValidateBundles(testReferenceData().Bundles))
	assert.Error(t, ValidateBundles([]domain.ServiceBundle{{Code: "B-1"}}))
	assert.Error(t, ValidateBundles([]domain.ServiceBundle{
		{Code: "B-1", RequiredCodes: []string{"A"}},
		{Code: "B-1", RequiredCodes: []string{"B"}},
	}))
}

func TestNewReferenceContext_DefaultTierMissing(t *testing.T) {
	data := testReferenceData()
	data.DefaultTier = 9

	_, err := NewReferenceContext(data)
	require.Error(t, err)
	assert.Equal(t, domain.CodeConfiguration, domain.ErrorCode(err))
}

func TestReferenceContext_ResolveTier(t *testing.T) {
	refs, err := NewReferenceContext(testReferenceData())
	require.NoError(t, err)

	tier, err := refs.ResolveTier(3)
	require.NoError(t, err)
	assert.Equal(t, 30.0, tier.MarkupPct)

	tier, err = refs.ResolveTier(0)
	require.NoError(t, err)
	assert.Equal(t, 5, tier.Rank)

	tiers := refs.Tiers()
	for i := 1; i < len(tiers); i++ {
		assert.GreaterOrEqual(t, tiers[i].MarkupPct, tiers[i-1].MarkupPct)
	}
}

func TestReferenceContext_Lookups(t *testing.T) {
	refs, err := NewReferenceContext(testReferenceData())
	require.NoError(t, err)

	limit, configured := refs.QuantityLimit("SBS-CONS-001")
	assert.Equal(t, 2, limit)
	assert.True(t, configured)

	limit, configured = refs.QuantityLimit("SBS-UNKNOWN")
	assert.Equal(t, 1, limit)
	assert.False(t, configured)

	assert.True(t, refs.RequiresAuth("SBS-SURG-001"))
	assert.False(t, refs.RequiresAuth("SBS-LAB-001"))
}

type mockReferenceStore struct {
	mock.Mock
}

func (m *mockReferenceStore) Tiers(ctx context.Context) ([]domain.PricingTier, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.PricingTier), args.Error(1)
}

func (m *mockReferenceStore) Bundles(ctx context.Context) ([]domain.ServiceBundle, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.ServiceBundle), args.Error(1)
}

func (m *mockReferenceStore) QuantityLimits(ctx context.Context) (map[string]int, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]int), args.Error(1)
}

func (m *mockReferenceStore) PriorAuthCodes(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockReferenceStore) FacilityTier(ctx context.Context, facilityID string) (int, bool, error) {
	args := m.Called(ctx, facilityID)
	return args.Int(0), args.Bool(1), args.Error(2)
}

func TestLoadReferenceContext(t *testing.T) {
	data := testReferenceData()
	store := new(mockReferenceStore)
	store.On("Tiers", mock.Anything).Return(data.Tiers, nil)
	store.On("Bundles", mock.Anything).Return(data.Bundles, nil)
	store.On("QuantityLimits", mock.Anything).Return(data.QuantityLimits, nil)
	store.On("PriorAuthCodes", mock.Anything).Return(data.PriorAuthCodes, nil)

	refs, err := LoadReferenceContext(context.Background(), store, 5, 1)
	require.NoError(t, err)
	assert.Len(t, refs.Tiers(), 8)
	assert.Len(t, refs.Bundles(), 2)
	store.AssertExpectations(t)
}

func TestLoadReferenceContext_StoreError(t *testing.T) {
	store := new(mockReferenceStore)
	store.On("Tiers", mock.Anything).Return([]domain.PricingTier(nil), errors.New("connection reset"))

	_, err := LoadReferenceContext(context.Background(), store, 5, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading pricing tiers")
}
