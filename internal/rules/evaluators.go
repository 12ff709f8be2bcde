package rules

import (
	"fmt"

	"github.com/sbs-integration-engine/internal/domain"
)

func evaluateUnmapped(ec *evalContext, r *Rule) {
	for _, item := range ec.doc.Items {
		if item.StandardCode != "" {
			continue
		}
		ec.violation(r, domain.ValidationFinding{
			Sequence: item.Sequence,
		}, item.Sequence, item.LocalCode)
	}
}

func evaluatePriceCap(ec *evalContext, r *Rule) {
	for i := range ec.doc.Items {
		item := &ec.doc.Items[i]
		if item.StandardCode == "" {
			continue
		}
		maxAllowed := item.StandardPrice.ApplyMarkup(ec.tier.MarkupPct)
		item.MaxAllowed = maxAllowed

		finding := domain.ValidationFinding{
			Sequence: item.Sequence,
			Code:     item.StandardCode,
			Context: map[string]float64{
				"unit_price":     item.UnitPrice.Float(),
				"standard_price": item.StandardPrice.Float(),
				"markup_pct":     ec.tier.MarkupPct,
				"max_allowed":    maxAllowed.Float(),
			},
		}
		if item.UnitPrice <= maxAllowed {
			ec.add(r, domain.SeverityInfo, domain.StatusPassed,
				fmt.Sprintf("item %d (%s) unit price %s within maximum allowed %s",
					item.Sequence, item.StandardCode, item.UnitPrice, maxAllowed), finding)
			continue
		}
		ec.violation(r, finding, item.Sequence, item.StandardCode, item.UnitPrice, maxAllowed)
	}
}

// serviceGroup is the set of items sharing a code and service date.
type serviceGroup struct {
	code     string
	date     string
	items    []domain.LineItem
	quantity int
}

func groupByService(items []domain.LineItem) []*serviceGroup {
	index := make(map[[2]string]*serviceGroup)
	var groups []*serviceGroup
	for _, item := range items {
		if item.StandardCode == "" {
			continue
		}
		key := [2]string{item.StandardCode, item.ServiceDate}
		g, ok := index[key]
		if !ok {
			g = &serviceGroup{code: item.StandardCode, date: item.ServiceDate}
			index[key] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, item)
		g.quantity += item.Quantity
	}
	return groups
}

func evaluateQuantity(ec *evalContext, r *Rule) {
	for _, g := range groupByService(ec.doc.Items) {
		if len(g.items) != 1 {
			continue
		}
		limit, configured := ec.refs.QuantityLimit(g.code)
		if !configured || g.quantity <= limit {
			continue
		}
		item := g.items[0]
		ec.violation(r, domain.ValidationFinding{
			Sequence: item.Sequence,
			Code:     g.code,
			Context:  map[string]float64{"quantity": float64(g.quantity), "limit": float64(limit)},
		}, item.Sequence, g.code, g.quantity, limit)
	}
}

func evaluateDuplicates(ec *evalContext, r *Rule) {
	for _, g := range groupByService(ec.doc.Items) {
		if len(g.items) < 2 {
			continue
		}
		limit, _ := ec.refs.QuantityLimit(g.code)
		finding := domain.ValidationFinding{
			Sequence: g.items[0].Sequence,
			Code:     g.code,
			Context: map[string]float64{
				"entries":  float64(len(g.items)),
				"quantity": float64(g.quantity),
				"limit":    float64(limit),
			},
		}
		switch {
		case g.quantity > limit:
			ec.violation(r, finding, g.code, len(g.items), g.date, g.quantity, limit)
		case limit <= 1:
			ec.add(r, domain.SeverityWarning, domain.StatusExceeded,
				fmt.Sprintf("%s billed %d times on %s", g.code, len(g.items), g.date), finding)
		}
	}
}

func evaluatePriorAuth(ec *evalContext, r *Rule) {
	for _, item := range ec.doc.Items {
		if item.StandardCode == "" || !ec.refs.RequiresAuth(item.StandardCode) {
			continue
		}
		if item.AuthorizationRef != "" {
			continue
		}
		ec.violation(r, domain.ValidationFinding{
			Sequence: item.Sequence,
			Code:     item.StandardCode,
		}, item.Sequence, item.StandardCode)
	}
}
