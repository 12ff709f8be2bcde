package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleRequest() *ClaimRequest {
	return &ClaimRequest{
		FacilityID: "FAC-001",
		PatientRef: "Patient/123",
		Items: []ClaimItemRequest{
			{LocalCode: "LAB-CBC", Description: "Complete Blood Count", Quantity: 1, UnitPrice: NewMoney(50), ServiceDate: "2024-01-15"},
			{LocalCode: "RAD-CXR", Description: "Chest X-Ray", Quantity: 2, UnitPrice: NewMoney(150), ServiceDate: "2024-01-15"},
		},
	}
}

func TestNewClaimDocument(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	doc, err := NewClaimDocument(sampleRequest(), now)
	if err != nil {
		t.Fatalf("NewClaimDocument failed: %v", err)
	}

	if !strings.HasPrefix(doc.ID, "CLM-") {
		t.Errorf("Expected generated CLM- id, got %s", doc.ID)
	}
	if doc.Currency != DefaultCurrency {
		t.Errorf("Expected currency %s, got %s", DefaultCurrency, doc.Currency)
	}
	if len(doc.Items) != 2 || doc.Items[0].Sequence != 1 || doc.Items[1].Sequence != 2 {
		t.Fatalf("unexpected item numbering: %+v", doc.Items)
	}
	if doc.Items[1].NetAmount != NewMoney(300) {
		t.Errorf("Expected net 300.00, got %s", doc.Items[1].NetAmount)
	}
	if doc.Total() != NewMoney(350) {
		t.Errorf("Expected total 350.00, got %s", doc.Total())
	}
}

func TestNewClaimDocumentRejectsBadInput(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		mutate func(r *ClaimRequest)
	}{
		{"Missing facility", func(r *ClaimRequest) { r.FacilityID = " " }},
		{"No items", func(r *ClaimRequest) { r.Items = nil }},
		{"Bad date", func(r *ClaimRequest) { r.Items[0].ServiceDate = "15/01/2024" }},
		{"Negative quantity", func(r *ClaimRequest) { r.Items[0].Quantity = -1 }},
		{"No code or description", func(r *ClaimRequest) { r.Items[0].LocalCode = ""; r.Items[0].Description = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleRequest()
			tt.mutate(req)
			if _, err := NewClaimDocument(req, now); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestClaimDocumentValidateSequences(t *testing.T) {
	doc, err := NewClaimDocument(sampleRequest(), time.Now())
	if err != nil {
		t.Fatalf("NewClaimDocument failed: %v", err)
	}

	doc.Items[1].Sequence = 1
	if err := doc.Validate(); !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("Expected ErrInvalidDocument for duplicate sequence, got %v", err)
	}
}

func TestClaimDocumentClone(t *testing.T) {
	doc, _ := NewClaimDocument(sampleRequest(), time.Now())
	doc.Meta = map[string]any{"source": "his"}
	doc.Signature = &Signature{Type: []Coding{{System: SignatureTypeSystem}}, Data: "abc"}

	clone := doc.Clone()
	clone.Items[0].NetAmount = 0
	clone.Meta["source"] = "other"
	clone.Signature.Type[0].System = "x"

	if doc.Items[0].NetAmount == 0 {
		t.Error("Clone shares items")
	}
	if doc.Meta["source"] != "his" {
		t.Error("Clone shares meta")
	}
	if doc.Signature.Type[0].System != SignatureTypeSystem {
		t.Error("Clone shares signature codings")
	}
}

func TestStandardCodes(t *testing.T) {
	doc := &ClaimDocument{Items: []LineItem{
		{StandardCode: "SBS-RAD-001"},
		{StandardCode: "SBS-LAB-001"},
		{StandardCode: "SBS-RAD-001"},
		{},
	}}

	codes := doc.StandardCodes()
	if len(codes) != 2 || codes[0] != "SBS-LAB-001" || codes[1] != "SBS-RAD-001" {
		t.Errorf("unexpected codes %v", codes)
	}
}
