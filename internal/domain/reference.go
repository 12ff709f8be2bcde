package domain

// Facility is a healthcare provider submitting claims.
type Facility struct {
	ID            string `json:"id" yaml:"id"`
	Code          string `json:"code,omitempty" yaml:"code"`
	Name          string `json:"name" yaml:"name"`
	LicenseNumber string `json:"license_number,omitempty" yaml:"license_number"`
	TierRank      int    `json:"tier_rank,omitempty" yaml:"tier"`
}

// CodeMapping maps a facility's internal code to a standard code.
type CodeMapping struct {
	FacilityID   string  `json:"facility_id" yaml:"facility_id"`
	LocalCode    string  `json:"local_code" yaml:"local_code"`
	Description  string  `json:"description,omitempty" yaml:"description"`
	StandardCode string  `json:"standard_code" yaml:"standard_code"`
	Confidence   float64 `json:"confidence,omitempty" yaml:"confidence"`
}

// ReferenceSnapshot is a complete set of reference data, as loaded from a
// fixture file or seeded into a database.
type ReferenceSnapshot struct {
	Catalogue      []CatalogueEntry `json:"catalogue" yaml:"catalogue"`
	Tiers          []PricingTier    `json:"tiers" yaml:"tiers"`
	Facilities     []Facility       `json:"facilities" yaml:"facilities"`
	Mappings       []CodeMapping    `json:"mappings" yaml:"mappings"`
	Bundles        []ServiceBundle  `json:"bundles" yaml:"bundles"`
	QuantityLimits map[string]int   `json:"quantity_limits" yaml:"quantity_limits"`
	PriorAuthCodes []string         `json:"prior_auth_codes" yaml:"prior_auth_codes"`
}
