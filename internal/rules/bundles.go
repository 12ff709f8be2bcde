package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sbs-integration-engine/internal/domain"
)

// BundleMatch is the result of checking one bundle against a claim's codes.
type BundleMatch struct {
	BundleCode   string   `json:"bundle_code"`
	Matched      bool     `json:"matched"`
	PresentCodes []string `json:"present_codes,omitempty"`
	MissingCodes []string `json:"missing_codes,omitempty"`
}

// DetectBundle reports whether codes contain every code the bundle requires,
// and which required codes are missing otherwise.
func DetectBundle(bundle domain.ServiceBundle, codes []string) BundleMatch {
	have := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		have[c] = struct{}{}
	}

	m := BundleMatch{BundleCode: bundle.Code}
	for _, req := range bundle.RequiredCodes {
		if _, ok := have[req]; ok {
			m.PresentCodes = append(m.PresentCodes, req)
		} else {
			m.MissingCodes = append(m.MissingCodes, req)
		}
	}
	sort.Strings(m.PresentCodes)
	sort.Strings(m.MissingCodes)
	m.Matched = len(m.MissingCodes) == 0
	return m
}

func evaluateBundles(ec *evalContext, r *Rule) {
	codes := ec.doc.StandardCodes()

	var matched []domain.ServiceBundle
	for _, b := range ec.refs.Bundles() {
		m := DetectBundle(b, codes)
		if m.Matched {
			matched = append(matched, b)
			continue
		}
		if len(m.PresentCodes) == 0 {
			continue
		}
		ec.bundles = append(ec.bundles, domain.BundleEvaluation{
			BundleCode:   b.Code,
			BundleName:   b.Name,
			MissingCodes: m.MissingCodes,
			BundlePrice:  b.TotalPrice,
		})
		ec.add(r, domain.SeverityInfo, domain.StatusPassed,
			fmt.Sprintf("bundle %s not applicable, missing %s", b.Code, strings.Join(m.MissingCodes, ", ")),
			domain.ValidationFinding{BundleCode: b.Code, MissingCodes: m.MissingCodes})
	}

	blocked := overlappingBundles(ec, matched)

	for _, b := range matched {
		if blocked[b.Code] {
			ec.bundles = append(ec.bundles, domain.BundleEvaluation{
				BundleCode:  b.Code,
				BundleName:  b.Name,
				Matched:     true,
				BundlePrice: b.TotalPrice,
			})
			continue
		}
		ec.bundles = append(ec.bundles, applyBundle(ec, r, b))
	}
}

// overlappingBundles flags matched bundles that share codes. Reference data
// validation rejects such bundles up front; this guards hand-built contexts.
func overlappingBundles(ec *evalContext, matched []domain.ServiceBundle) map[string]bool {
	blocked := make(map[string]bool)
	overlap := &Rule{ID: RuleBundleOverlap, Name: "Overlapping Bundles"}
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			shared := intersect(matched[i].RequiredCodes, matched[j].RequiredCodes)
			if len(shared) == 0 {
				continue
			}
			blocked[matched[i].Code] = true
			blocked[matched[j].Code] = true
			ec.add(overlap, domain.SeverityWarning, domain.StatusExceeded,
				fmt.Sprintf("bundles %s and %s overlap on %s; neither applied",
					matched[i].Code, matched[j].Code, strings.Join(shared, ", ")),
				domain.ValidationFinding{BundleCode: matched[i].Code})
		}
	}
	return blocked
}

func applyBundle(ec *evalContext, r *Rule, b domain.ServiceBundle) domain.BundleEvaluation {
	required := make(map[string]struct{}, len(b.RequiredCodes))
	for _, c := range b.RequiredCodes {
		required[c] = struct{}{}
	}

	var idx []int
	var itemized domain.Money
	for i, item := range ec.doc.Items {
		if _, ok := required[item.StandardCode]; ok {
			idx = append(idx, i)
			itemized += item.NetAmount
		}
	}

	applied := itemized
	if b.TotalPrice < itemized {
		applied = b.TotalPrice
		allocate(ec.doc.Items, idx, itemized, applied)
	}

	eval := domain.BundleEvaluation{
		BundleCode:    b.Code,
		BundleName:    b.Name,
		Matched:       true,
		Applied:       true,
		ItemizedTotal: itemized,
		BundlePrice:   b.TotalPrice,
		AppliedPrice:  applied,
		Saving:        itemized - applied,
	}
	for _, i := range idx {
		ec.doc.Items[i].BundleCode = b.Code
		eval.Sequences = append(eval.Sequences, ec.doc.Items[i].Sequence)
	}

	ec.add(r, domain.SeverityInfo, domain.StatusPassed,
		fmt.Sprintf(r.Message, b.Code, itemized, b.TotalPrice, applied),
		domain.ValidationFinding{
			BundleCode: b.Code,
			Context: map[string]float64{
				"itemized_total": itemized.Float(),
				"bundle_price":   b.TotalPrice.Float(),
				"applied_price":  applied.Float(),
				"saving":         (itemized - applied).Float(),
			},
		})
	return eval
}

// allocate spreads target across items[idx] in proportion to their current
// net amounts so the item nets still sum to the document total.
func allocate(items []domain.LineItem, idx []int, itemized, target domain.Money) {
	if len(idx) == 0 {
		return
	}
	var assigned domain.Money
	for n, i := range idx {
		if n == len(idx)-1 {
			items[i].NetAmount = target - assigned
			break
		}
		var share domain.Money
		if itemized > 0 {
			share = domain.Money(int64(target) * int64(items[i].NetAmount) / int64(itemized))
		}
		items[i].NetAmount = share
		assigned += share
	}
}

func intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	var out []string
	for _, c := range b {
		if _, ok := set[c]; ok {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
