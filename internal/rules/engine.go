// Package rules implements the financial rules engine that prices normalized
// claims against tier markups, bundles, quantity limits and prior
// authorization requirements.
package rules

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sbs-integration-engine/internal/domain"
)

// Rule identifiers.
const (
	RuleUnmapped      = "SBS-MAP-001"
	RulePriceCap      = "CHI-PRICE-001"
	RuleQuantity      = "CHI-QTY-001"
	RuleDuplicate     = "CHI-DUP-001"
	RulePriorAuth     = "CHI-AUTH-001"
	RuleBundle        = "CHI-BUNDLE-001"
	RuleBundleOverlap = "CHI-BUNDLE-002"
)

// Rule is one entry in the rule table. Severity is the severity used when the
// rule is violated; Message is a fmt template for the violation message.
type Rule struct {
	ID        string
	Name      string
	Severity  domain.Severity
	Message   string
	Evaluator func(ec *evalContext, r *Rule)
}

// Engine evaluates claims against the rule table.
type Engine struct {
	logger *logrus.Logger
	refs   *ReferenceContext
	rules  []*Rule
}

// NewEngine creates a rules engine bound to validated reference data.
func NewEngine(refs *ReferenceContext, logger *logrus.Logger) *Engine {
	e := &Engine{
		logger: logger,
		refs:   refs,
	}
	e.initializeRules()
	return e
}

// References returns the reference data the engine prices against.
func (e *Engine) References() *ReferenceContext {
	return e.refs
}

// Rules returns the rule table in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	return out
}

// initializeRules builds the rule table. Bundles run last because they
// rewrite item net amounts.
func (e *Engine) initializeRules() {
	e.addRule(RuleUnmapped, "Standard Code Mapping", domain.SeverityError,
		"item %d (%s) has no standard code mapping", evaluateUnmapped)
	e.addRule(RulePriceCap, "Price Cap Validation", domain.SeverityError,
		"item %d (%s) unit price %s exceeds maximum allowed %s", evaluatePriceCap)
	e.addRule(RuleQuantity, "Quantity Limit", domain.SeverityError,
		"item %d (%s) quantity %d exceeds daily limit %d", evaluateQuantity)
	e.addRule(RuleDuplicate, "Duplicate Service Detection", domain.SeverityError,
		"%s billed %d times on %s with total quantity %d (limit %d)", evaluateDuplicates)
	e.addRule(RulePriorAuth, "Prior Authorization Required", domain.SeverityError,
		"item %d (%s) requires prior authorization but no reference was provided", evaluatePriorAuth)
	e.addRule(RuleBundle, "Service Bundle Pricing", domain.SeverityInfo,
		"bundle %s applied: itemized %s, bundle price %s, payable %s", evaluateBundles)
}

func (e *Engine) addRule(id, name string, severity domain.Severity, message string, evaluator func(ec *evalContext, r *Rule)) {
	e.rules = append(e.rules, &Rule{
		ID:        id,
		Name:      name,
		Severity:  severity,
		Message:   message,
		Evaluator: evaluator,
	})
}

// Evaluate prices a normalized document for a facility tier. Price and policy
// violations are reported as findings; an error is returned only for
// structurally invalid input.
func (e *Engine) Evaluate(ctx context.Context, doc *domain.ClaimDocument, tierRank int) (*domain.PricingResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, domain.NewPipelineError(domain.CodeInvalidDocument, err.Error(), err).
			WithStage(domain.StageRules).WithDocument(doc.FacilityID, doc.ID)
	}

	tier, err := e.refs.ResolveTier(tierRank)
	if err != nil {
		return nil, err
	}
	if tier.Rank != tierRank {
		e.logger.WithFields(logrus.Fields{
			"facility_id":  doc.FacilityID,
			"requested":    tierRank,
			"default_tier": tier.Rank,
		}).Debug("Facility tier unknown, using default tier")
	}

	priced := doc.Clone()
	priced.Signature = nil
	for i := range priced.Items {
		priced.Items[i].NetAmount = priced.Items[i].Gross()
		priced.Items[i].MaxAllowed = 0
		priced.Items[i].BundleCode = ""
	}

	ec := &evalContext{
		doc:  priced,
		tier: tier,
		refs: e.refs,
	}
	for _, rule := range e.rules {
		rule.Evaluator(ec, rule)
	}

	result := &domain.PricingResult{
		Document: priced,
		Findings: ec.findings,
		Tier:     tier,
		Bundles:  ec.bundles,
		IsValid:  true,
	}
	for _, f := range ec.findings {
		if f.IsError() {
			result.IsValid = false
			break
		}
	}
	for _, item := range priced.Items {
		result.TotalClaimed += item.Gross()
		result.TotalAllowed += item.MaxAllowed.Mul(item.Quantity)
	}
	result.TotalPayable = priced.Total()

	summary := &domain.PricingSummary{
		TierRank:      tier.Rank,
		TierName:      tier.Name,
		MarkupPct:     tier.MarkupPct,
		TotalClaimed:  result.TotalClaimed,
		TotalAllowed:  result.TotalAllowed,
		TotalPayable:  result.TotalPayable,
		BundleSavings: result.TotalClaimed - result.TotalPayable,
		IsValid:       result.IsValid,
	}
	for _, b := range ec.bundles {
		if b.Applied {
			summary.AppliedBundles = append(summary.AppliedBundles, b.BundleCode)
		}
	}
	priced.Pricing = summary

	e.logger.WithFields(logrus.Fields{
		"document_id":   doc.ID,
		"facility_id":   doc.FacilityID,
		"tier":          tier.Rank,
		"findings":      len(result.Findings),
		"errors":        len(result.Errors()),
		"total_claimed": result.TotalClaimed.String(),
		"total_allowed": result.TotalAllowed.String(),
		"total_payable": result.TotalPayable.String(),
		"is_valid":      result.IsValid,
	}).Info("Completed pricing evaluation")

	return result, nil
}

// evalContext carries one evaluation's state through the rule table.
type evalContext struct {
	doc      *domain.ClaimDocument
	tier     domain.PricingTier
	refs     *ReferenceContext
	findings []domain.ValidationFinding
	bundles  []domain.BundleEvaluation
}

func (ec *evalContext) add(r *Rule, severity domain.Severity, status domain.FindingStatus, msg string, f domain.ValidationFinding) {
	f.RuleID = r.ID
	f.RuleName = r.Name
	f.Severity = severity
	f.Status = status
	f.Message = msg
	ec.findings = append(ec.findings, f)
}

func (ec *evalContext) violation(r *Rule, f domain.ValidationFinding, args ...interface{}) {
	ec.add(r, r.Severity, domain.StatusExceeded, fmt.Sprintf(r.Message, args...), f)
}
