package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/pkg/clearinghouse"
)

// Outcome is the classification of one transport exchange.
type Outcome struct {
	Class      domain.AttemptClass
	StatusCode int
	Summary    string
	Response   *clearinghouse.Response
}

var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Classify maps a transport result onto an attempt class.
func Classify(resp *domain.TransportResponse, err error) Outcome {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, domain.ErrTransport) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.As(err, &netErr) {
			return Outcome{Class: domain.AttemptRetryable, Summary: err.Error()}
		}
		return Outcome{Class: domain.AttemptFatal, Summary: err.Error()}
	}
	if resp == nil {
		return Outcome{Class: domain.AttemptFatal, Summary: "empty transport response"}
	}

	code := resp.StatusCode
	status := fmt.Sprintf("HTTP %d %s", code, http.StatusText(code))

	switch {
	case code >= 200 && code < 300:
		parsed, perr := clearinghouse.ParseResponse(resp.Body)
		if perr != nil {
			return Outcome{Class: domain.AttemptFatal, StatusCode: code, Summary: perr.Error()}
		}
		class := domain.AttemptSuccess
		if parsed.IsRejected() {
			class = domain.AttemptRejected
		}
		return Outcome{Class: class, StatusCode: code, Summary: parsed.Summary(), Response: parsed}

	case retryableStatus[code]:
		return Outcome{Class: domain.AttemptRetryable, StatusCode: code, Summary: status}

	case code >= 400 && code < 500:
		out := Outcome{Class: domain.AttemptRejected, StatusCode: code, Summary: status}
		if parsed, perr := clearinghouse.ParseResponse(resp.Body); perr == nil {
			out.Response = parsed
			out.Summary = status + ": " + parsed.Summary()
		}
		return out

	default:
		return Outcome{Class: domain.AttemptFatal, StatusCode: code, Summary: status}
	}
}
