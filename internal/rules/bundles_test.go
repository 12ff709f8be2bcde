package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbs-integration-engine/internal/domain"
)

func TestDetectBundle(t *testing.T) {
	bundle := domain.ServiceBundle{Code: "B-ABC", RequiredCodes: []string{"A", "B", "C"}, TotalPrice: domain.NewMoney(100)}

	tests := []struct {
		name    string
		codes   []string
		matched bool
		missing []string
	}{
		{"Exact set", []string{"A", "B", "C"}, true, nil},
		{"Superset", []string{"D", "C", "B", "A"}, true, nil},
		{"Missing C", []string{"A", "B"}, false, []string{"C"}},
		{"Nothing present", []string{"X"}, false, []string{"A", "B", "C"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DetectBundle(bundle, tt.codes)
			assert.Equal(t, tt.matched, m.Matched)
			assert.Equal(t, tt.missing, m.MissingCodes)
		})
	}
}

func TestEvaluate_BundleAppliesLowerPrice(t *testing.T) {
	engine := newTestEngine(t)
	doc := document(
		item(1, "SBS-MAT-001", 5000, 5000, 1),
		item(2, "SBS-MAT-002", 3500, 3500, 1),
		item(3, "SBS-LAB-001", 50, 50, 1),
		item(4, "SBS-RAD-001", 150, 150, 1),
	)

	result, err := engine.Evaluate(context.Background(), doc, 1)
	require.NoError(t, err)

	assert.Equal(t, domain.NewMoney(8700), result.TotalClaimed)
	assert.Equal(t, domain.NewMoney(8150), result.TotalPayable)
	assert.Equal(t, result.TotalPayable, result.Document.Total())
	assert.Equal(t, []string{"BUNDLE-MATERNITY-001"}, result.Document.Pricing.AppliedBundles)
	assert.Equal(t, domain.NewMoney(550), result.Document.Pricing.BundleSavings)

	var applied *domain.BundleEvaluation
	for i := range result.Bundles {
		if result.Bundles[i].BundleCode == "BUNDLE-MATERNITY-001" {
			applied = &result.Bundles[i]
		}
	}
	require.NotNil(t, applied)
	assert.True(t, applied.Applied)
	assert.Equal(t, domain.NewMoney(8550), applied.ItemizedTotal)
	assert.Equal(t, domain.NewMoney(8000), applied.AppliedPrice)
	assert.Equal(t, []int{1, 2, 3}, applied.Sequences)

	for _, it := range result.Document.Items[:3] {
		assert.Equal(t, "BUNDLE-MATERNITY-001", it.BundleCode)
	}
	assert.Empty(t, result.Document.Items[3].BundleCode)
	assert.Equal(t, domain.NewMoney(150), result.Document.Items[3].NetAmount)
	assert.True(t, result.IsValid)
}

func TestEvaluate_BundleKeepsItemizedWhenCheaper(t *testing.T) {
	engine := newTestEngine(t)
	doc := document(
		item(1, "SBS-MAT-001", 3000, 5000, 1),
		item(2, "SBS-MAT-002", 2000, 3500, 1),
		item(3, "SBS-LAB-001", 50, 50, 1),
	)

	result, err := engine.Evaluate(context.Background(), doc, 1)
	require.NoError(t, err)

	assert.Equal(t, domain.NewMoney(5050), result.TotalPayable)
	assert.Equal(t, domain.NewMoney(3000), result.Document.Items[0].NetAmount)
}

func TestEvaluate_PartialBundleReportsMissingCodes(t *testing.T) {
	engine := newTestEngine(t)
	doc := document(
		item(1, "SBS-MAT-001", 5000, 5000, 1),
		item(2, "SBS-LAB-001", 50, 50, 1),
	)

	result, err := engine.Evaluate(context.Background(), doc, 1)
	require.NoError(t, err)

	findings := findingsFor(result, RuleBundle)
	require.Len(t, findings, 1)
	assert.Equal(t, "BUNDLE-MATERNITY-001", findings[0].BundleCode)
	assert.Equal(t, []string{"SBS-MAT-002"}, findings[0].MissingCodes)
	assert.Equal(t, domain.NewMoney(5050), result.TotalPayable)
}

func TestEvaluate_MultipleBundlesAreAdditive(t *testing.T) {
	engine := newTestEngine(t)
	doc := document(
		item(1, "SBS-MAT-001", 5000, 5000, 1),
		item(2, "SBS-MAT-002", 3500, 3500, 1),
		item(3, "SBS-LAB-001", 50, 50, 1),
		item(4, "SBS-SURG-001", 5000, 5000, 1),
		item(5, "SBS-ANESTH-001", 12000, 12000, 1),
		item(6, "SBS-LAB-002", 120, 120, 1),
	)
	doc.Items[3].AuthorizationRef = "PA-1"

	result, err := engine.Evaluate(context.Background(), doc, 1)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"BUNDLE-APPENDIX-001", "BUNDLE-MATERNITY-001"}, result.Document.Pricing.AppliedBundles)
	assert.Equal(t, domain.NewMoney(23000), result.TotalPayable)
	assert.Equal(t, result.TotalPayable, result.Document.Total())
}

func TestEvaluate_OverlappingBundlesAreNotResolved(t *testing.T) {
	refs, err := NewReferenceContext(testReferenceData())
	require.NoError(t, err)
	// bypass validation to simulate overlapping definitions
	refs.bundles = []domain.ServiceBundle{
		{Code: "B-1", RequiredCodes: []string{"SBS-LAB-001", "SBS-RAD-001"}, TotalPrice: domain.NewMoney(100)},
		{Code: "B-2", RequiredCodes: []string{"SBS-LAB-001", "SBS-CONS-001"}, TotalPrice: domain.NewMoney(100)},
	}
	engine := NewEngine(refs, testLogger())

	doc := document(
		item(1, "SBS-LAB-001", 50, 50, 1),
		item(2, "SBS-RAD-001", 150, 150, 1),
		item(3, "SBS-CONS-001", 200, 200, 1),
	)

	result, err := engine.Evaluate(context.Background(), doc, 1)
	require.NoError(t, err)

	overlaps := findingsFor(result, RuleBundleOverlap)
	require.Len(t, overlaps, 1)
	assert.Equal(t, domain.SeverityWarning, overlaps[0].Severity)
	assert.Empty(t, result.Document.Pricing.AppliedBundles)
	assert.Equal(t, domain.NewMoney(400), result.TotalPayable)
}

func TestAllocateKeepsTotal(t *testing.T) {
	items := []domain.LineItem{
		{NetAmount: domain.Money(3333)},
		{NetAmount: domain.Money(3333)},
		{NetAmount: domain.Money(3334)},
	}
	allocate(items, []int{0, 1, 2}, domain.Money(10000), domain.Money(7001))

	var sum domain.Money
	for _, it := range items {
		sum += it.NetAmount
	}
	assert.Equal(t, domain.Money(7001), sum)
}
