// Package repository provides persistence for reference data and
// clearinghouse transactions.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

// ReferenceRepository reads code mappings, the standard catalogue and pricing
// reference data from PostgreSQL.
type ReferenceRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewReferenceRepository creates a new reference data repository
func NewReferenceRepository(db *pgxpool.Pool, logger *logrus.Logger) *ReferenceRepository {
	return &ReferenceRepository{
		db:  db,
		log: logger,
	}
}

// Lookup resolves a facility internal code through the active normalization map.
func (r *ReferenceRepository) Lookup(ctx context.Context, facilityID, localCode string) (*domain.NormalizationResult, error) {
	query := `
		SELECT snm.sbs_code, smc.description_en, smc.category, smc.standard_price,
			   snm.confidence, snm.mapping_source
		FROM sbs_normalization_map snm
		JOIN facility_internal_codes fic ON snm.internal_code_id = fic.internal_code_id
		JOIN sbs_master_catalogue smc ON snm.sbs_code = smc.sbs_id
		WHERE fic.facility_id = $1
		  AND fic.internal_code = $2
		  AND snm.is_active = TRUE
		  AND fic.is_active = TRUE
		LIMIT 1`

	var (
		result domain.NormalizationResult
		price  float64
		source string
	)
	err := r.db.QueryRow(ctx, query, facilityID, localCode).Scan(
		&result.StandardCode,
		&result.Description,
		&result.Category,
		&price,
		&result.Confidence,
		&source,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError(fmt.Sprintf("no mapping for %s/%s", facilityID, localCode))
		}
		r.log.WithFields(logrus.Fields{
			"facility_id": facilityID,
			"local_code":  localCode,
			"error":       err,
		}).Error("Failed to look up code mapping")
		return nil, fmt.Errorf("looking up code mapping: %w", err)
	}

	result.StandardPrice = domain.NewMoney(price)
	result.Source = domain.MappingSource(source)
	if !result.Source.IsValid() {
		result.Source = domain.SourceManual
	}
	return &result, nil
}

// Catalogue returns all active standard codes ordered by code.
func (r *ReferenceRepository) Catalogue(ctx context.Context) ([]domain.CatalogueEntry, error) {
	query := `
		SELECT sbs_id, description_en, category, standard_price
		FROM sbs_master_catalogue
		WHERE is_active = TRUE AND effective_date <= CURRENT_DATE
		ORDER BY sbs_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying catalogue: %w", err)
	}
	defer rows.Close()

	var entries []domain.CatalogueEntry
	for rows.Next() {
		var e domain.CatalogueEntry
		var price float64
		if err := rows.Scan(&e.Code, &e.Description, &e.Category, &price); err != nil {
			return nil, fmt.Errorf("scanning catalogue row: %w", err)
		}
		e.StandardPrice = domain.NewMoney(price)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalogue rows: %w", err)
	}
	return entries, nil
}

// Tiers returns the currently effective pricing tiers.
func (r *ReferenceRepository) Tiers(ctx context.Context) ([]domain.PricingTier, error) {
	query := `
		SELECT tier_level, tier_name, markup_pct, tier_description
		FROM pricing_tier_rules
		WHERE is_active = TRUE
		  AND effective_date <= CURRENT_DATE
		  AND (expiry_date IS NULL OR expiry_date > CURRENT_DATE)
		ORDER BY tier_level`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying pricing tiers: %w", err)
	}
	defer rows.Close()

	var tiers []domain.PricingTier
	for rows.Next() {
		var t domain.PricingTier
		if err := rows.Scan(&t.Rank, &t.Name, &t.MarkupPct, &t.Description); err != nil {
			return nil, fmt.Errorf("scanning pricing tier row: %w", err)
		}
		tiers = append(tiers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pricing tier rows: %w", err)
	}
	return tiers, nil
}

// Bundles returns active service bundles with their required codes.
func (r *ReferenceRepository) Bundles(ctx context.Context) ([]domain.ServiceBundle, error) {
	query := `
		SELECT sb.bundle_code, sb.bundle_name, sb.total_allowed_price,
			   array_agg(bi.sbs_code ORDER BY bi.sbs_code) AS required_codes
		FROM service_bundles sb
		JOIN bundle_items bi ON sb.bundle_id = bi.bundle_id
		WHERE sb.is_active = TRUE
		GROUP BY sb.bundle_id
		ORDER BY sb.bundle_code`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying service bundles: %w", err)
	}
	defer rows.Close()

	var bundles []domain.ServiceBundle
	for rows.Next() {
		var b domain.ServiceBundle
		var price float64
		if err := rows.Scan(&b.Code, &b.Name, &price, &b.RequiredCodes); err != nil {
			return nil, fmt.Errorf("scanning service bundle row: %w", err)
		}
		b.TotalPrice = domain.NewMoney(price)
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating service bundle rows: %w", err)
	}
	return bundles, nil
}

// QuantityLimits returns per-code quantity limits.
func (r *ReferenceRepository) QuantityLimits(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT sbs_id, max_quantity
		FROM sbs_master_catalogue
		WHERE is_active = TRUE AND max_quantity IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying quantity limits: %w", err)
	}
	defer rows.Close()

	limits := make(map[string]int)
	for rows.Next() {
		var code string
		var limit int
		if err := rows.Scan(&code, &limit); err != nil {
			return nil, fmt.Errorf("scanning quantity limit row: %w", err)
		}
		limits[code] = limit
	}
	return limits, rows.Err()
}

// PriorAuthCodes returns codes that require prior authorization.
func (r *ReferenceRepository) PriorAuthCodes(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT sbs_id
		FROM sbs_master_catalogue
		WHERE is_active = TRUE AND requires_prior_auth = TRUE
		ORDER BY sbs_id`)
	if err != nil {
		return nil, fmt.Errorf("querying prior authorization codes: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scanning prior authorization row: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// FacilityTier returns the accreditation tier of an active facility.
func (r *ReferenceRepository) FacilityTier(ctx context.Context, facilityID string) (int, bool, error) {
	var tier *int32
	err := r.db.QueryRow(ctx, `
		SELECT accreditation_tier
		FROM facilities
		WHERE facility_id = $1 AND is_active = TRUE`, facilityID).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("looking up facility tier: %w", err)
	}
	if tier == nil {
		return 0, false, nil
	}
	return int(*tier), true, nil
}

// Seed upserts a reference snapshot in a single transaction. Existing rows
// are updated and mappings for re-seeded codes are replaced.
func (r *ReferenceRepository) Seed(ctx context.Context, snap *domain.ReferenceSnapshot) error {
	limits := snap.QuantityLimits
	auth := make(map[string]bool, len(snap.PriorAuthCodes))
	for _, code := range snap.PriorAuthCodes {
		auth[code] = true
	}

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		for _, t := range snap.Tiers {
			if _, err := tx.Exec(ctx, `
				INSERT INTO pricing_tier_rules (tier_level, tier_name, markup_pct, tier_description)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (tier_level) DO UPDATE SET
					tier_name = EXCLUDED.tier_name,
					markup_pct = EXCLUDED.markup_pct,
					tier_description = EXCLUDED.tier_description,
					is_active = TRUE`,
				t.Rank, t.Name, t.MarkupPct, t.Description); err != nil {
				return fmt.Errorf("seeding tier %d: %w", t.Rank, err)
			}
		}

		for _, e := range snap.Catalogue {
			var maxQty *int
			if limit, ok := limits[e.Code]; ok {
				maxQty = &limit
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO sbs_master_catalogue
					(sbs_id, description_en, category, standard_price, max_quantity, requires_prior_auth)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (sbs_id) DO UPDATE SET
					description_en = EXCLUDED.description_en,
					category = EXCLUDED.category,
					standard_price = EXCLUDED.standard_price,
					max_quantity = EXCLUDED.max_quantity,
					requires_prior_auth = EXCLUDED.requires_prior_auth,
					is_active = TRUE`,
				e.Code, e.Description, e.Category, e.StandardPrice.Float(), maxQty, auth[e.Code]); err != nil {
				return fmt.Errorf("seeding catalogue entry %s: %w", e.Code, err)
			}
		}

		for _, f := range snap.Facilities {
			var tier *int
			if f.TierRank > 0 {
				rank := f.TierRank
				tier = &rank
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO facilities (facility_id, facility_code, facility_name, chi_license_number, accreditation_tier)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (facility_id) DO UPDATE SET
					facility_code = EXCLUDED.facility_code,
					facility_name = EXCLUDED.facility_name,
					chi_license_number = EXCLUDED.chi_license_number,
					accreditation_tier = EXCLUDED.accreditation_tier,
					is_active = TRUE`,
				f.ID, f.Code, f.Name, f.LicenseNumber, tier); err != nil {
				return fmt.Errorf("seeding facility %s: %w", f.ID, err)
			}
		}

		for _, m := range snap.Mappings {
			if err := seedMapping(ctx, tx, m); err != nil {
				return err
			}
		}

		for _, b := range snap.Bundles {
			var bundleID int64
			if err := tx.QueryRow(ctx, `
				INSERT INTO service_bundles (bundle_code, bundle_name, total_allowed_price)
				VALUES ($1, $2, $3)
				ON CONFLICT (bundle_code) DO UPDATE SET
					bundle_name = EXCLUDED.bundle_name,
					total_allowed_price = EXCLUDED.total_allowed_price,
					is_active = TRUE
				RETURNING bundle_id`,
				b.Code, b.Name, b.TotalPrice.Float()).Scan(&bundleID); err != nil {
				return fmt.Errorf("seeding bundle %s: %w", b.Code, err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM bundle_items WHERE bundle_id = $1`, bundleID); err != nil {
				return fmt.Errorf("clearing bundle items for %s: %w", b.Code, err)
			}
			for _, code := range b.RequiredCodes {
				if _, err := tx.Exec(ctx,
					`INSERT INTO bundle_items (bundle_id, sbs_code) VALUES ($1, $2)`, bundleID, code); err != nil {
					return fmt.Errorf("seeding bundle item %s/%s: %w", b.Code, code, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).Error("Failed to seed reference data")
		return err
	}

	r.log.WithFields(logrus.Fields{
		"catalogue":  len(snap.Catalogue),
		"tiers":      len(snap.Tiers),
		"facilities": len(snap.Facilities),
		"mappings":   len(snap.Mappings),
		"bundles":    len(snap.Bundles),
	}).Info("Reference data seeded")
	return nil
}

func seedMapping(ctx context.Context, tx pgx.Tx, m domain.CodeMapping) error {
	var internalID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO facility_internal_codes (facility_id, internal_code, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (facility_id, internal_code) DO UPDATE SET
			description = EXCLUDED.description,
			is_active = TRUE
		RETURNING internal_code_id`,
		m.FacilityID, m.LocalCode, m.Description).Scan(&internalID); err != nil {
		return fmt.Errorf("seeding internal code %s/%s: %w", m.FacilityID, m.LocalCode, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sbs_normalization_map SET is_active = FALSE WHERE internal_code_id = $1 AND is_active`,
		internalID); err != nil {
		return fmt.Errorf("retiring mapping for %s/%s: %w", m.FacilityID, m.LocalCode, err)
	}

	confidence := m.Confidence
	if confidence <= 0 {
		confidence = 1.0
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO sbs_normalization_map (internal_code_id, sbs_code, confidence, mapping_source)
		VALUES ($1, $2, $3, $4)`,
		internalID, m.StandardCode, confidence, string(domain.SourceManual)); err != nil {
		return fmt.Errorf("seeding mapping %s/%s: %w", m.FacilityID, m.LocalCode, err)
	}
	return nil
}
