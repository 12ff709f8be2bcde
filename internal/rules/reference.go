package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sbs-integration-engine/internal/domain"
)

// ReferenceData is the raw pricing reference data used to build a ReferenceContext.
type ReferenceData struct {
	Tiers                []domain.PricingTier
	Bundles              []domain.ServiceBundle
	QuantityLimits       map[string]int
	PriorAuthCodes       []string
	DefaultTier          int
	DefaultQuantityLimit int
}

// ReferenceContext is validated, immutable pricing reference data. It is safe
// for concurrent use by any number of evaluations.
type ReferenceContext struct {
	tiers        map[int]domain.PricingTier
	tierOrder    []domain.PricingTier
	defaultTier  int
	bundles      []domain.ServiceBundle
	limits       map[string]int
	defaultLimit int
	authCodes    map[string]struct{}
}

// NewReferenceContext validates reference data and freezes it.
func NewReferenceContext(data ReferenceData) (*ReferenceContext, error) {
	if err := ValidateTiers(data.Tiers); err != nil {
		return nil, err
	}
	if err := ValidateBundles(data.Bundles); err != nil {
		return nil, err
	}

	rc := &ReferenceContext{
		tiers:        make(map[int]domain.PricingTier, len(data.Tiers)),
		defaultTier:  data.DefaultTier,
		limits:       make(map[string]int, len(data.QuantityLimits)),
		defaultLimit: data.DefaultQuantityLimit,
		authCodes:    make(map[string]struct{}, len(data.PriorAuthCodes)),
	}
	if rc.defaultLimit <= 0 {
		rc.defaultLimit = 1
	}

	for _, t := range data.Tiers {
		rc.tiers[t.Rank] = t
		rc.tierOrder = append(rc.tierOrder, t)
	}
	sort.Slice(rc.tierOrder, func(i, j int) bool { return rc.tierOrder[i].Rank < rc.tierOrder[j].Rank })

	if _, ok := rc.tiers[rc.defaultTier]; !ok {
		return nil, domain.NewConfigurationError(
			fmt.Sprintf("default tier %d is not defined in the tier table", rc.defaultTier)).WithStage(domain.StageRules)
	}

	for _, b := range data.Bundles {
		b.RequiredCodes = append([]string(nil), b.RequiredCodes...)
		sort.Strings(b.RequiredCodes)
		rc.bundles = append(rc.bundles, b)
	}
	sort.Slice(rc.bundles, func(i, j int) bool { return rc.bundles[i].Code < rc.bundles[j].Code })

	for code, limit := range data.QuantityLimits {
		if limit <= 0 {
			return nil, domain.NewConfigurationError(
				fmt.Sprintf("quantity limit for %s must be positive, got %d", code, limit)).WithStage(domain.StageRules)
		}
		rc.limits[code] = limit
	}
	for _, code := range data.PriorAuthCodes {
		rc.authCodes[strings.TrimSpace(code)] = struct{}{}
	}

	return rc, nil
}

// LoadReferenceContext reads reference data from a store and validates it.
func LoadReferenceContext(ctx context.Context, store domain.ReferenceDataStore, defaultTier, defaultLimit int) (*ReferenceContext, error) {
	tiers, err := store.Tiers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading pricing tiers: %w", err)
	}
	bundles, err := store.Bundles(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading service bundles: %w", err)
	}
	limits, err := store.QuantityLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading quantity limits: %w", err)
	}
	auth, err := store.PriorAuthCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading prior authorization codes: %w", err)
	}

	return NewReferenceContext(ReferenceData{
		Tiers:                tiers,
		Bundles:              bundles,
		QuantityLimits:       limits,
		PriorAuthCodes:       auth,
		DefaultTier:          defaultTier,
		DefaultQuantityLimit: defaultLimit,
	})
}

// ValidateTiers checks that ranks are unique and positive and that markup is
// non-decreasing with rank.
func ValidateTiers(tiers []domain.PricingTier) error {
	if len(tiers) == 0 {
		return domain.NewConfigurationError("tier table is empty").WithStage(domain.StageRules)
	}

	sorted := append([]domain.PricingTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	for i, t := range sorted {
		if t.Rank <= 0 {
			return domain.NewConfigurationError(fmt.Sprintf("tier rank must be positive, got %d", t.Rank)).WithStage(domain.StageRules)
		}
		if t.MarkupPct < 0 {
			return domain.NewConfigurationError(fmt.Sprintf("tier %d has negative markup %.2f", t.Rank, t.MarkupPct)).WithStage(domain.StageRules)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.Rank == t.Rank {
			return domain.NewConfigurationError(fmt.Sprintf("duplicate tier rank %d", t.Rank)).WithStage(domain.StageRules)
		}
		if t.MarkupPct < prev.MarkupPct {
			return domain.NewConfigurationError(fmt.Sprintf(
				"tier markup must not decrease with rank: tier %d has %.2f%%, tier %d has %.2f%%",
				prev.Rank, prev.MarkupPct, t.Rank, t.MarkupPct)).WithStage(domain.StageRules)
		}
	}
	return nil
}

// ValidateBundles checks bundle definitions and rejects bundles whose required
// code sets overlap.
func ValidateBundles(bundles []domain.ServiceBundle) error {
	owner := make(map[string]string)
	seen := make(map[string]bool, len(bundles))

	for _, b := range bundles {
		if b.Code == "" {
			return domain.NewConfigurationError("bundle code is required").WithStage(domain.StageRules)
		}
		if seen[b.Code] {
			return domain.NewConfigurationError(fmt.Sprintf("duplicate bundle %s", b.Code)).WithStage(domain.StageRules)
		}
		seen[b.Code] = true
		if len(b.RequiredCodes) == 0 {
			return domain.NewConfigurationError(fmt.Sprintf("bundle %s has no required codes", b.Code)).WithStage(domain.StageRules)
		}
		if b.TotalPrice < 0 {
			return domain.NewConfigurationError(fmt.Sprintf("bundle %s has negative price", b.Code)).WithStage(domain.StageRules)
		}
		for _, code := range b.RequiredCodes {
			if other, ok := owner[code]; ok && other != b.Code {
				return domain.NewConfigurationError(fmt.Sprintf(
					"bundles %s and %s overlap on code %s", other, b.Code, code)).WithStage(domain.StageRules)
			}
			owner[code] = b.Code
		}
	}
	return nil
}

// ResolveTier returns the tier for rank, falling back to the default tier for
// unknown or unassigned ranks.
func (rc *ReferenceContext) ResolveTier(rank int) (domain.PricingTier, error) {
	if t, ok := rc.tiers[rank]; ok {
		return t, nil
	}
	if t, ok := rc.tiers[rc.defaultTier]; ok {
		return t, nil
	}
	return domain.PricingTier{}, domain.NewConfigurationError(
		fmt.Sprintf("tier %d is unknown and default tier %d is not configured", rank, rc.defaultTier)).WithStage(domain.StageRules)
}

// Tiers returns the tier table ordered by rank.
func (rc *ReferenceContext) Tiers() []domain.PricingTier {
	return append([]domain.PricingTier(nil), rc.tierOrder...)
}

// DefaultTier returns the fallback tier rank.
func (rc *ReferenceContext) DefaultTier() int {
	return rc.defaultTier
}

// Bundles returns the bundle definitions ordered by code.
func (rc *ReferenceContext) Bundles() []domain.ServiceBundle {
	return append([]domain.ServiceBundle(nil), rc.bundles...)
}

// QuantityLimit returns the per-day quantity limit for a code and whether it
// was explicitly configured.
func (rc *ReferenceContext) QuantityLimit(code string) (int, bool) {
	if limit, ok := rc.limits[code]; ok {
		return limit, true
	}
	return rc.defaultLimit, false
}

// RequiresAuth reports whether a code needs a prior authorization reference.
func (rc *ReferenceContext) RequiresAuth(code string) bool {
	_, ok := rc.authCodes[code]
	return ok
}
