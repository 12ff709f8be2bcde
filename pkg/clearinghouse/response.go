package clearinghouse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedResponse is returned when a response body cannot be interpreted.
var ErrMalformedResponse = errors.New("malformed clearinghouse response")

// Outcome values reported on ClaimResponse resources.
const (
	OutcomeComplete = "complete"
	OutcomeError    = "error"
	OutcomePartial  = "partial"
	OutcomeQueued   = "queued"
)

// Issue is one OperationOutcome issue.
type Issue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Location    []string `json:"location,omitempty"`
}

// ErrorCode is one ClaimResponse error coding.
type ErrorCode struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// Response is the interpreted clearinghouse reply.
type Response struct {
	ResourceType string      `json:"resource_type"`
	Outcome      string      `json:"outcome,omitempty"`
	Disposition  string      `json:"disposition,omitempty"`
	ExternalID   string      `json:"external_id,omitempty"`
	Errors       []ErrorCode `json:"errors,omitempty"`
	Issues       []Issue     `json:"issues,omitempty"`
}

// IsRejected reports an application-level rejection: an error outcome or
// any error or fatal OperationOutcome issue.
func (r *Response) IsRejected() bool {
	if r.Outcome == OutcomeError {
		return true
	}
	for _, i := range r.Issues {
		if i.Severity == "error" || i.Severity == "fatal" {
			return true
		}
	}
	return false
}

// Summary is a one-line description suitable for attempt history.
func (r *Response) Summary() string {
	var parts []string
	if r.Outcome != "" {
		parts = append(parts, "outcome "+r.Outcome)
	}
	for _, e := range r.Errors {
		if e.Display != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", e.Code, e.Display))
		} else {
			parts = append(parts, e.Code)
		}
	}
	for _, i := range r.Issues {
		if i.Diagnostics != "" {
			parts = append(parts, fmt.Sprintf("%s %s: %s", i.Severity, i.Code, i.Diagnostics))
		} else {
			parts = append(parts, fmt.Sprintf("%s %s", i.Severity, i.Code))
		}
	}
	if r.Disposition != "" {
		parts = append(parts, r.Disposition)
	}
	if len(parts) == 0 {
		return r.ResourceType
	}
	return strings.Join(parts, "; ")
}

type codeableConcept struct {
	Coding []ErrorCode `json:"coding"`
	Text   string      `json:"text,omitempty"`
}

type identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value"`
}

type resource struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []identifier `json:"identifier,omitempty"`
	Outcome      string       `json:"outcome,omitempty"`
	Disposition  string       `json:"disposition,omitempty"`
	Error        []struct {
		Code codeableConcept `json:"code"`
	} `json:"error,omitempty"`
	Issue []Issue `json:"issue,omitempty"`
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry,omitempty"`
}

// ParseResponse interprets a clearinghouse body: a message Bundle carrying a
// ClaimResponse or CoverageEligibilityResponse, one of those bare, or an
// OperationOutcome.
func ParseResponse(body []byte) (*Response, error) {
	var root resource
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if root.ResourceType == "" {
		return nil, fmt.Errorf("%w: missing resourceType", ErrMalformedResponse)
	}

	out := &Response{ResourceType: root.ResourceType}
	if root.ResourceType != "Bundle" {
		if !apply(out, &root) {
			return nil, fmt.Errorf("%w: unexpected resource %s", ErrMalformedResponse, root.ResourceType)
		}
		return out, nil
	}

	found := false
	for _, e := range root.Entry {
		var r resource
		if err := json.Unmarshal(e.Resource, &r); err != nil {
			return nil, fmt.Errorf("%w: bundle entry: %v", ErrMalformedResponse, err)
		}
		if apply(out, &r) {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: bundle has no response resource", ErrMalformedResponse)
	}
	if out.ExternalID == "" {
		out.ExternalID = root.ID
	}
	return out, nil
}

func apply(out *Response, r *resource) bool {
	switch r.ResourceType {
	case "ClaimResponse", "CoverageEligibilityResponse":
		out.ResourceType = r.ResourceType
		out.Outcome = r.Outcome
		out.Disposition = r.Disposition
		for _, e := range r.Error {
			out.Errors = append(out.Errors, e.Code.Coding...)
		}
		if len(r.Identifier) > 0 && r.Identifier[0].Value != "" {
			out.ExternalID = r.Identifier[0].Value
		} else if r.ID != "" {
			out.ExternalID = r.ID
		}
		return true
	case "OperationOutcome":
		out.Issues = append(out.Issues, r.Issue...)
		return true
	default:
		return false
	}
}
