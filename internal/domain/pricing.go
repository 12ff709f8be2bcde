package domain

// CatalogueEntry is a standard code from the master catalogue.
type CatalogueEntry struct {
	Code          string `json:"code" yaml:"code"`
	Description   string `json:"description" yaml:"description"`
	Category      string `json:"category" yaml:"category"`
	StandardPrice Money  `json:"standard_price" yaml:"standard_price"`
}

// NormalizationResult is the outcome of resolving one local code.
type NormalizationResult struct {
	StandardCode  string        `json:"standard_code"`
	Description   string        `json:"description"`
	Category      string        `json:"category"`
	StandardPrice Money         `json:"standard_price"`
	Confidence    float64       `json:"confidence"`
	Source        MappingSource `json:"source"`
	NeedsReview   bool          `json:"needs_review"`
}

// PricingTier is a facility accreditation tier and its allowed markup.
type PricingTier struct {
	Rank        int     `json:"rank" yaml:"rank"`
	Name        string  `json:"name" yaml:"name"`
	MarkupPct   float64 `json:"markup_pct" yaml:"markup_pct"`
	Description string  `json:"description,omitempty" yaml:"description"`
}

// ServiceBundle is a package of codes billed at a fixed price.
type ServiceBundle struct {
	Code          string   `json:"code" yaml:"code"`
	Name          string   `json:"name" yaml:"name"`
	RequiredCodes []string `json:"required_codes" yaml:"required_codes"`
	TotalPrice    Money    `json:"total_price" yaml:"total_price"`
}

// ValidationFinding is one rule outcome produced by the rules engine.
type ValidationFinding struct {
	RuleID       string             `json:"rule_id"`
	RuleName     string             `json:"rule_name"`
	Severity     Severity           `json:"severity"`
	Status       FindingStatus      `json:"status"`
	Message      string             `json:"message"`
	Sequence     int                `json:"sequence,omitempty"`
	Code         string             `json:"code,omitempty"`
	BundleCode   string             `json:"bundle_code,omitempty"`
	MissingCodes []string           `json:"missing_codes,omitempty"`
	Context      map[string]float64 `json:"context,omitempty"`
}

// IsError reports whether the finding invalidates the document.
func (f ValidationFinding) IsError() bool {
	return f.Severity == SeverityError
}

// BundleEvaluation records how a bundle was matched against a claim.
type BundleEvaluation struct {
	BundleCode    string   `json:"bundle_code"`
	BundleName    string   `json:"bundle_name"`
	Matched       bool     `json:"matched"`
	Applied       bool     `json:"applied"`
	MissingCodes  []string `json:"missing_codes,omitempty"`
	Sequences     []int    `json:"sequences,omitempty"`
	ItemizedTotal Money    `json:"itemized_total"`
	BundlePrice   Money    `json:"bundle_price"`
	AppliedPrice  Money    `json:"applied_price"`
	Saving        Money    `json:"saving"`
}

// PricingSummary is attached to a priced document.
type PricingSummary struct {
	TierRank       int      `json:"tier_rank"`
	TierName       string   `json:"tier_name"`
	MarkupPct      float64  `json:"markup_pct"`
	TotalClaimed   Money    `json:"total_claimed"`
	TotalAllowed   Money    `json:"total_allowed"`
	TotalPayable   Money    `json:"total_payable"`
	BundleSavings  Money    `json:"bundle_savings"`
	IsValid        bool     `json:"is_valid"`
	AppliedBundles []string `json:"applied_bundles,omitempty"`
}

// PricingResult is the output of the financial rules engine.
type PricingResult struct {
	Document     *ClaimDocument      `json:"document"`
	Findings     []ValidationFinding `json:"findings"`
	IsValid      bool                `json:"is_valid"`
	TotalClaimed Money               `json:"total_claimed"`
	TotalAllowed Money               `json:"total_allowed"`
	TotalPayable Money               `json:"total_payable"`
	Tier         PricingTier         `json:"tier"`
	Bundles      []BundleEvaluation  `json:"bundles,omitempty"`
}

// Errors returns the error-severity findings.
func (r *PricingResult) Errors() []ValidationFinding {
	return r.bySeverity(SeverityError)
}

// Warnings returns the warning-severity findings.
func (r *PricingResult) Warnings() []ValidationFinding {
	return r.bySeverity(SeverityWarning)
}

func (r *PricingResult) bySeverity(s Severity) []ValidationFinding {
	var out []ValidationFinding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}
