package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServiceDateLayout is the layout of line item service dates.
const ServiceDateLayout = "2006-01-02"

// LineItem is a single billed service on a claim.
type LineItem struct {
	Sequence         int    `json:"sequence"`
	LocalCode        string `json:"local_code"`
	Description      string `json:"description"`
	Quantity         int    `json:"quantity"`
	UnitPrice        Money  `json:"unit_price"`
	NetAmount        Money  `json:"net_amount"`
	ServiceDate      string `json:"service_date"`
	AuthorizationRef string `json:"authorization_ref,omitempty"`

	// Populated by the normalizer.
	StandardCode        string        `json:"standard_code,omitempty"`
	StandardDescription string        `json:"standard_description,omitempty"`
	Category            string        `json:"category,omitempty"`
	StandardPrice       Money         `json:"standard_price,omitempty"`
	Confidence          float64       `json:"confidence,omitempty"`
	MappingSource       MappingSource `json:"mapping_source,omitempty"`
	NeedsReview         bool          `json:"needs_review,omitempty"`

	// Populated by the rules engine.
	MaxAllowed Money  `json:"max_allowed,omitempty"`
	BundleCode string `json:"bundle_code,omitempty"`
}

// Gross returns unit price times quantity, ignoring bundle adjustments.
func (li LineItem) Gross() Money {
	return li.UnitPrice.Mul(li.Quantity)
}

// ClaimDocument is a facility claim travelling through the pipeline.
type ClaimDocument struct {
	ID         string          `json:"id"`
	FacilityID string          `json:"facility_id"`
	PatientRef string          `json:"patient_ref,omitempty"`
	Currency   string          `json:"currency"`
	CreatedAt  time.Time       `json:"created_at"`
	Items      []LineItem      `json:"items"`
	Pricing    *PricingSummary `json:"pricing,omitempty"`
	Meta       map[string]any  `json:"meta,omitempty"`
	Signature  *Signature      `json:"signature,omitempty"`
}

// Total returns the sum of the item net amounts.
func (d *ClaimDocument) Total() Money {
	var total Money
	for _, item := range d.Items {
		total += item.NetAmount
	}
	return total
}

// Validate checks the structural invariants of the document.
func (d *ClaimDocument) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: document is nil", ErrInvalidDocument)
	}
	if strings.TrimSpace(d.FacilityID) == "" {
		return fmt.Errorf("%w: facility id is required", ErrInvalidDocument)
	}
	if len(d.Items) == 0 {
		return fmt.Errorf("%w: document has no line items", ErrInvalidDocument)
	}
	prev := 0
	for i, item := range d.Items {
		if item.Sequence <= prev {
			return fmt.Errorf("%w: item %d has sequence %d, expected > %d", ErrInvalidDocument, i, item.Sequence, prev)
		}
		prev = item.Sequence
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d has non-positive quantity %d", ErrInvalidDocument, item.Sequence, item.Quantity)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("%w: item %d has negative unit price", ErrInvalidDocument, item.Sequence)
		}
		if _, err := time.Parse(ServiceDateLayout, item.ServiceDate); err != nil {
			return fmt.Errorf("%w: item %d has invalid service date %q", ErrInvalidDocument, item.Sequence, item.ServiceDate)
		}
	}
	return nil
}

// StandardCodes returns the sorted set of standard codes on the document.
func (d *ClaimDocument) StandardCodes() []string {
	seen := make(map[string]struct{}, len(d.Items))
	codes := make([]string, 0, len(d.Items))
	for _, item := range d.Items {
		if item.StandardCode == "" {
			continue
		}
		if _, ok := seen[item.StandardCode]; ok {
			continue
		}
		seen[item.StandardCode] = struct{}{}
		codes = append(codes, item.StandardCode)
	}
	sort.Strings(codes)
	return codes
}

// ItemsNeedingReview returns the sequences of items flagged for manual review.
func (d *ClaimDocument) ItemsNeedingReview() []int {
	var seqs []int
	for _, item := range d.Items {
		if item.NeedsReview {
			seqs = append(seqs, item.Sequence)
		}
	}
	return seqs
}

// Clone returns a deep copy of the document. Meta values are copied shallowly.
func (d *ClaimDocument) Clone() *ClaimDocument {
	if d == nil {
		return nil
	}
	out := *d
	out.Items = append([]LineItem(nil), d.Items...)
	if d.Pricing != nil {
		p := *d.Pricing
		p.AppliedBundles = append([]string(nil), d.Pricing.AppliedBundles...)
		out.Pricing = &p
	}
	if d.Meta != nil {
		out.Meta = make(map[string]any, len(d.Meta))
		for k, v := range d.Meta {
			out.Meta[k] = v
		}
	}
	if d.Signature != nil {
		sig := d.Signature.clone()
		out.Signature = &sig
	}
	return &out
}

// ClaimItemRequest is an inbound line item before normalization.
type ClaimItemRequest struct {
	LocalCode        string `json:"local_code" yaml:"local_code"`
	Description      string `json:"description" yaml:"description"`
	Quantity         int    `json:"quantity" yaml:"quantity"`
	UnitPrice        Money  `json:"unit_price" yaml:"unit_price"`
	ServiceDate      string `json:"service_date" yaml:"service_date"`
	AuthorizationRef string `json:"authorization_ref,omitempty" yaml:"authorization_ref"`
}

// ClaimRequest is an inbound facility claim.
type ClaimRequest struct {
	DocumentID    string             `json:"document_id,omitempty"`
	TransactionID string             `json:"transaction_id,omitempty"`
	FacilityID    string             `json:"facility_id"`
	PatientRef    string             `json:"patient_ref,omitempty"`
	Currency      string             `json:"currency,omitempty"`
	RequestType   RequestType        `json:"request_type,omitempty"`
	Items         []ClaimItemRequest `json:"items"`
}

// NewClaimDocument builds a claim document from a request, numbering items
// from 1 and computing net amounts.
func NewClaimDocument(req *ClaimRequest, now time.Time) (*ClaimDocument, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: claim request is nil", ErrInvalidInput)
	}
	if strings.TrimSpace(req.FacilityID) == "" {
		return nil, fmt.Errorf("%w: facility_id is required", ErrInvalidInput)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidInput)
	}

	doc := &ClaimDocument{
		ID:         req.DocumentID,
		FacilityID: strings.TrimSpace(req.FacilityID),
		PatientRef: req.PatientRef,
		Currency:   req.Currency,
		CreatedAt:  now.UTC(),
		Items:      make([]LineItem, 0, len(req.Items)),
	}
	if doc.ID == "" {
		doc.ID = "CLM-" + uuid.NewString()
	}
	if doc.Currency == "" {
		doc.Currency = DefaultCurrency
	}

	for i, in := range req.Items {
		if strings.TrimSpace(in.LocalCode) == "" && strings.TrimSpace(in.Description) == "" {
			return nil, fmt.Errorf("%w: item %d needs a local code or description", ErrInvalidInput, i+1)
		}
		qty := in.Quantity
		if qty == 0 {
			qty = 1
		}
		doc.Items = append(doc.Items, LineItem{
			Sequence:         i + 1,
			LocalCode:        strings.TrimSpace(in.LocalCode),
			Description:      strings.TrimSpace(in.Description),
			Quantity:         qty,
			UnitPrice:        in.UnitPrice,
			NetAmount:        in.UnitPrice.Mul(qty),
			ServiceDate:      in.ServiceDate,
			AuthorizationRef: in.AuthorizationRef,
		})
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}
