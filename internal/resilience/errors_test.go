package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

func TestClassify_ExplicitKind(t *testing.T) {
	err := &ClassifiedError{Kind: KindRateLimit, Err: errors.New("slow down")}
	if got := Classify(err); got != KindRateLimit {
		t.Errorf("expected rate_limit, got %s", got)
	}
	wrapped := fmt.Errorf("api call failed: %w", err)
	if got := Classify(wrapped); got != KindRateLimit {
		t.Errorf("expected wrapped rate_limit, got %s", got)
	}
}

func TestClassify_Nil(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
	if Classify(nil) != KindUnknown {
		t.Error("nil error should classify as unknown")
	}
}

func TestClassify_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestClassify_ConnectionErrors(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		err := fmt.Errorf("dial tcp: %w", errno)
		if got := Classify(err); got != KindNetwork {
			t.Errorf("%v: expected network, got %s", errno, got)
		}
	}
}

func TestClassify_Timeouts(t *testing.T) {
	cases := []error{
		&net.DNSError{IsTimeout: true, Err: "timeout"},
		context.DeadlineExceeded,
		fmt.Errorf("post: %w", context.DeadlineExceeded),
		errors.New("net/http: TLS handshake timeout"),
		errors.New("read tcp: i/o timeout"),
	}
	for _, err := range cases {
		if got := Classify(err); got != KindTimeout {
			t.Errorf("%v: expected timeout, got %s", err, got)
		}
	}
}

func TestClassify_Canceled(t *testing.T) {
	if IsTransient(context.Canceled) {
		t.Error("context cancellation must not be retried")
	}
}

func TestClassify_StringPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"server closed idle connection",
		"dial tcp: lookup api.example.com: no such host",
	}
	for _, p := range patterns {
		if got := Classify(errors.New(p)); got != KindNetwork {
			t.Errorf("expected %q to be network, got %s", p, got)
		}
	}
}

func TestClassify_StatusCoder(t *testing.T) {
	cases := map[int]Kind{
		400: KindUpstreamClient,
		401: KindAuthentication,
		403: KindAuthentication,
		404: KindUpstreamClient,
		408: KindTimeout,
		422: KindValidation,
		429: KindRateLimit,
		500: KindUpstreamServer,
		503: KindUpstreamServer,
		504: KindTimeout,
	}
	for code, want := range cases {
		err := fmt.Errorf("client: %w", &statusErr{code: code})
		if got := Classify(err); got != want {
			t.Errorf("HTTP %d: expected %s, got %s", code, want, got)
		}
	}
}

func TestClassify_CircuitOpen(t *testing.T) {
	if got := Classify(ErrCircuitOpen); got != KindCircuitOpen {
		t.Errorf("expected circuit_open, got %s", got)
	}
	if IsTransient(ErrCircuitOpen) {
		t.Error("open circuit must not be retried")
	}
}

func TestKindFromStatus_Retryable(t *testing.T) {
	transient := []int{408, 429, 500, 502, 503, 504}
	for _, code := range transient {
		if !KindFromStatus(code).Retryable() {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}

	permanent := []int{200, 201, 400, 401, 403, 404, 405, 409, 422}
	for _, code := range permanent {
		if KindFromStatus(code).Retryable() {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestNewHTTPError(t *testing.T) {
	err := NewHTTPError(503, "overloaded")
	if err.Kind != KindUpstreamServer {
		t.Errorf("expected upstream_server, got %s", err.Kind)
	}
	if err.StatusCode != 503 {
		t.Errorf("expected 503, got %d", err.StatusCode)
	}
}

func TestClassifiedError_Message(t *testing.T) {
	inner := errors.New("root cause")
	err := &ClassifiedError{Kind: KindTimeout, Service: "voyage", Operation: "rerank", Attempts: 3, Err: inner}
	want := "voyage.rerank: timeout error after 3 attempts: root cause"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("ClassifiedError.Unwrap should return the inner error")
	}
}
