// Package refdata serves reference data from a YAML snapshot for standalone
// mode, fixtures and seeding.
package refdata

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sbs-integration-engine/internal/domain"
)

type mappingKey struct {
	facilityID string
	localCode  string
}

// Store is an immutable, in-memory reference data set. It implements
// domain.CodeMappingStore, domain.CatalogueSource and
// domain.ReferenceDataStore.
type Store struct {
	snapshot   domain.ReferenceSnapshot
	catalogue  map[string]domain.CatalogueEntry
	mappings   map[mappingKey]domain.CodeMapping
	facilities map[string]domain.Facility
}

// Load reads a YAML snapshot from disk.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading reference file: %w", err)
	}
	store, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return store, nil
}

// Parse decodes a YAML snapshot.
func Parse(data []byte) (*Store, error) {
	var snapshot domain.ReferenceSnapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return nil, domain.NewConfigurationError("invalid reference YAML").WithDetails(err.Error())
	}
	return New(&snapshot)
}

// New indexes a snapshot. Catalogue codes and facility ids must be unique and
// every mapping must point at a catalogue code.
func New(snapshot *domain.ReferenceSnapshot) (*Store, error) {
	if snapshot == nil {
		return nil, domain.NewConfigurationError("reference snapshot is nil")
	}

	s := &Store{
		snapshot:   *snapshot,
		catalogue:  make(map[string]domain.CatalogueEntry, len(snapshot.Catalogue)),
		mappings:   make(map[mappingKey]domain.CodeMapping, len(snapshot.Mappings)),
		facilities: make(map[string]domain.Facility, len(snapshot.Facilities)),
	}

	for _, entry := range snapshot.Catalogue {
		code := strings.TrimSpace(entry.Code)
		if code == "" {
			return nil, domain.NewConfigurationError("catalogue entry without a code")
		}
		if _, dup := s.catalogue[code]; dup {
			return nil, domain.NewConfigurationError(fmt.Sprintf("duplicate catalogue code %s", code))
		}
		entry.Code = code
		s.catalogue[code] = entry
	}

	for _, f := range snapshot.Facilities {
		if f.ID == "" {
			return nil, domain.NewConfigurationError("facility without an id")
		}
		if _, dup := s.facilities[f.ID]; dup {
			return nil, domain.NewConfigurationError(fmt.Sprintf("duplicate facility %s", f.ID))
		}
		s.facilities[f.ID] = f
	}

	for _, m := range snapshot.Mappings {
		if _, ok := s.catalogue[m.StandardCode]; !ok {
			return nil, domain.NewConfigurationError(
				fmt.Sprintf("mapping %s/%s points at unknown code %s", m.FacilityID, m.LocalCode, m.StandardCode))
		}
		if m.Confidence <= 0 {
			m.Confidence = 1.0
		}
		s.mappings[mappingKey{m.FacilityID, m.LocalCode}] = m
	}

	for code := range snapshot.QuantityLimits {
		if _, ok := s.catalogue[code]; !ok {
			return nil, domain.NewConfigurationError(fmt.Sprintf("quantity limit for unknown code %s", code))
		}
	}

	return s, nil
}

// Snapshot returns the data the store was built from.
func (s *Store) Snapshot() *domain.ReferenceSnapshot {
	out := s.snapshot
	return &out
}

// Lookup resolves a facility's local code through its explicit mapping.
func (s *Store) Lookup(ctx context.Context, facilityID, localCode string) (*domain.NormalizationResult, error) {
	m, ok := s.mappings[mappingKey{facilityID, localCode}]
	if !ok {
		return nil, domain.NewNotFoundError(fmt.Sprintf("no mapping for %s/%s", facilityID, localCode))
	}
	entry := s.catalogue[m.StandardCode]
	return &domain.NormalizationResult{
		StandardCode:  entry.Code,
		Description:   entry.Description,
		Category:      entry.Category,
		StandardPrice: entry.StandardPrice,
		Confidence:    m.Confidence,
		Source:        domain.SourceManual,
	}, nil
}

// Catalogue returns the catalogue ordered by code.
func (s *Store) Catalogue(ctx context.Context) ([]domain.CatalogueEntry, error) {
	out := make([]domain.CatalogueEntry, 0, len(s.catalogue))
	for _, e := range s.catalogue {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Tiers returns the tier table.
func (s *Store) Tiers(ctx context.Context) ([]domain.PricingTier, error) {
	return append([]domain.PricingTier(nil), s.snapshot.Tiers...), nil
}

// Bundles returns the bundle definitions.
func (s *Store) Bundles(ctx context.Context) ([]domain.ServiceBundle, error) {
	out := make([]domain.ServiceBundle, len(s.snapshot.Bundles))
	for i, b := range s.snapshot.Bundles {
		b.RequiredCodes = append([]string(nil), b.RequiredCodes...)
		out[i] = b
	}
	return out, nil
}

// QuantityLimits returns per-code quantity limits.
func (s *Store) QuantityLimits(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(s.snapshot.QuantityLimits))
	for k, v := range s.snapshot.QuantityLimits {
		out[k] = v
	}
	return out, nil
}

// PriorAuthCodes returns the codes that need prior authorization.
func (s *Store) PriorAuthCodes(ctx context.Context) ([]string, error) {
	return append([]string(nil), s.snapshot.PriorAuthCodes...), nil
}

// FacilityTier returns the facility's tier; found is false for unknown
// facilities and facilities without a tier.
func (s *Store) FacilityTier(ctx context.Context, facilityID string) (int, bool, error) {
	f, ok := s.facilities[facilityID]
	if !ok || f.TierRank <= 0 {
		return 0, false, nil
	}
	return f.TierRank, true, nil
}

// Facility returns a facility by id.
func (s *Store) Facility(facilityID string) (domain.Facility, bool) {
	f, ok := s.facilities[facilityID]
	return f, ok
}
