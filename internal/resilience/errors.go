package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Kind classifies a failed external call.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTimeout
	KindRateLimit
	KindAuthentication
	KindValidation
	KindUpstreamClient
	KindUpstreamServer
	// KindCircuitOpen means the call was never attempted.
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindUpstreamClient:
		return "upstream_client"
	case KindUpstreamServer:
		return "upstream_server"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindUpstreamServer:
		return true
	default:
		return false
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// StatusCoder is implemented by API client errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ClassifiedError is the error returned by ExecuteWithRetry once a call is
// given up on.
type ClassifiedError struct {
	Kind       Kind
	Service    string
	Operation  string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *ClassifiedError) Error() string {
	var b strings.Builder
	if e.Service != "" {
		b.WriteString(e.Service)
		if e.Operation != "" {
			b.WriteString("." + e.Operation)
		}
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "%s error", e.Kind)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewHTTPError builds a ClassifiedError from a non-2xx HTTP response.
func NewHTTPError(statusCode int, body string) *ClassifiedError {
	return &ClassifiedError{
		Kind:       KindFromStatus(statusCode),
		StatusCode: statusCode,
		Err:        eris.Errorf("HTTP %d: %s", statusCode, truncate(body, 512)),
	}
}

// KindFromStatus maps an HTTP status code onto the error taxonomy.
// Success codes map to KindUnknown.
func KindFromStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuthentication
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimit
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return KindTimeout
	case statusCode == http.StatusUnprocessableEntity:
		return KindValidation
	case statusCode >= 500:
		return KindUpstreamServer
	case statusCode >= 400:
		return KindUpstreamClient
	default:
		return KindUnknown
	}
}

// Classify returns the Kind of err, inspecting the error chain, network
// errors, and common transport error strings.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Kind != KindUnknown {
		return ce.Kind
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindCircuitOpen
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if k := KindFromStatus(sc.HTTPStatus()); k != KindUnknown {
			return k
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"i/o timeout", "tls handshake timeout", "deadline exceeded", "client.timeout exceeded"} {
		if strings.Contains(msg, p) {
			return KindTimeout
		}
	}
	networkPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return KindNetwork
		}
	}

	return KindUnknown
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	return Classify(err).Retryable()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
