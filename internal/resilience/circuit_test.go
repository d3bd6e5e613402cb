package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// call sends one request with result err through cb's admission and
// recording path. It reports whether the request was admitted.
func call(cb *CircuitBreaker, err error) bool {
	if cb.allowRequest() != nil {
		return false
	}
	cb.recordResult(err)
	return true
}

func tripBreaker(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		call(cb, errors.New("fail"))
	}
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	if !call(cb, nil) {
		t.Fatal("expected closed circuit to admit the request")
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	tripBreaker(cb, 3)
	if cb.State() != CircuitOpen {
		t.Errorf("expected open state after 3 failures, got %s", cb.State())
	}
	if err := cb.allowRequest(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsClosed(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	tripBreaker(cb, 2)
	snap := cb.Snapshot()
	if snap.Failures != 2 || snap.State != CircuitClosed {
		t.Fatalf("expected 2 failures while closed, got %d (%s)", snap.Failures, snap.State)
	}

	call(cb, nil)
	if got := cb.Snapshot().Failures; got != 0 {
		t.Errorf("expected 0 failures after success, got %d", got)
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
		Now:              clock.Now,
	})

	tripBreaker(cb, 2)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	clock.Advance(200 * time.Millisecond)
	if cb.State() != CircuitHalfOpen {
		t.Errorf("expected half-open state after timeout, got %s", cb.State())
	}

	if !call(cb, nil) {
		t.Fatal("expected the probe to be admitted")
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailure_Reopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
		Now:              clock.Now,
	})

	tripBreaker(cb, 2)
	clock.Advance(200 * time.Millisecond)
	call(cb, errors.New("still failing"))

	// OpenedAt moved forward, so the circuit stays open for another timeout.
	snap := cb.Snapshot()
	if snap.State != CircuitOpen {
		t.Errorf("expected open state after half-open failure, got %s", snap.State)
	}
	if snap.Failures != 3 {
		t.Errorf("expected 3 total failures, got %d", snap.Failures)
	}
}

func TestCircuitBreaker_CancelledProbeStaysHalfOpen(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Now:              clock.Now,
	})

	call(cb, &ClassifiedError{Kind: KindUpstreamServer})
	clock.Advance(2 * time.Minute)

	if !call(cb, fmt.Errorf("scrape page: %w", context.Canceled)) {
		t.Fatal("expected the probe to be admitted")
	}
	snap := cb.Snapshot()
	if snap.State != CircuitHalfOpen {
		t.Fatalf("expected half-open after cancelled probe, got %s", snap.State)
	}
	if snap.ProbeInFlight {
		t.Error("expected the probe slot to be released")
	}

	if !call(cb, nil) {
		t.Fatal("expected a new probe to be admitted")
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after a successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions [][2]CircuitState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, [2]CircuitState{from, to})
		},
	})

	tripBreaker(cb, 2)
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	if transitions[0] != [2]CircuitState{CircuitClosed, CircuitOpen} {
		t.Errorf("expected closed→open, got %s→%s", transitions[0][0], transitions[0][1])
	}
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		ShouldTrip: func(err error) bool {
			return err.Error() == "tripworthy"
		},
	})

	for i := 0; i < 5; i++ {
		call(cb, errors.New("non-tripworthy"))
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed (non-tripworthy errors), got %s", cb.State())
	}

	for i := 0; i < 2; i++ {
		call(cb, errors.New("tripworthy"))
	}
	if cb.State() != CircuitOpen {
		t.Errorf("expected open after tripworthy errors, got %s", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})

	tripBreaker(cb, 2)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
	if !call(cb, nil) {
		t.Error("expected requests to flow after reset")
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = errors.New("fail")
			}
			call(cb, err)
		}()
	}
	wg.Wait()
}

func TestServiceBreakers_GetOrCreate(t *testing.T) {
	sb := NewServiceBreakers(DefaultCircuitBreakerConfig())

	cb1 := sb.Get("firecrawl")
	cb2 := sb.Get("firecrawl")
	cb3 := sb.Get("google-cse")

	if cb1 != cb2 {
		t.Error("expected same breaker for same service")
	}
	if cb1 == cb3 {
		t.Error("expected different breakers for different services")
	}
}

func TestServiceBreakers_States(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})

	call(sb.Get("firecrawl"), errors.New("fail"))
	_ = sb.Get("google-cse")

	states := sb.States()
	if states["firecrawl"] != CircuitOpen {
		t.Errorf("expected firecrawl=open, got %s", states["firecrawl"])
	}
	if states["google-cse"] != CircuitClosed {
		t.Errorf("expected google-cse=closed, got %s", states["google-cse"])
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNextState_TimeoutsWeighLess(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 2, TimeoutWeight: 0.5}
	now := time.Now()
	st := BreakerState{}

	for i := 0; i < 3; i++ {
		st = NextState(st, OutcomeTimeout, now, cfg)
	}
	if st.State != CircuitClosed {
		t.Fatalf("expected closed after 3 timeouts (score 1.5), got %s", st.State)
	}
	st = NextState(st, OutcomeTimeout, now, cfg)
	if st.State != CircuitOpen {
		t.Fatalf("expected open after 4 timeouts (score 2.0), got %s", st.State)
	}
	if !st.OpenedAt.Equal(now) {
		t.Errorf("expected OpenedAt to be set")
	}
}

func TestNextState_FatalOpensImmediately(t *testing.T) {
	st := NextState(BreakerState{}, OutcomeFatal, time.Now(), DefaultCircuitBreakerConfig())
	if st.State != CircuitOpen {
		t.Errorf("expected open after fatal outcome, got %s", st.State)
	}
}

func TestNextState_IgnoredKeepsScore(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	st := NextState(BreakerState{}, OutcomeFailure, time.Now(), cfg)
	st = NextState(st, OutcomeIgnored, time.Now(), cfg)
	if st.FailureScore != 1 {
		t.Errorf("expected failure score 1, got %v", st.FailureScore)
	}
}

func TestNextState_AbandonedProbeKeepsHalfOpen(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}
	opened := time.Now()
	st, ok := Admit(BreakerState{State: CircuitOpen, OpenedAt: opened, FailureScore: 1, Failures: 1}, opened.Add(2*time.Minute), cfg)
	if !ok {
		t.Fatal("expected the probe to be admitted")
	}

	st = NextState(st, OutcomeAbandoned, opened.Add(2*time.Minute), cfg)
	if st.State != CircuitHalfOpen {
		t.Errorf("expected half-open after abandoned probe, got %s", st.State)
	}
	if st.ProbeInFlight {
		t.Error("expected probe slot to be released")
	}
	if st.HalfOpenSuccesses != 0 || st.FailureScore != 1 {
		t.Errorf("expected score and probe successes untouched, got %v/%d", st.FailureScore, st.HalfOpenSuccesses)
	}

	closed := NextState(BreakerState{FailureScore: 2}, OutcomeAbandoned, time.Now(), cfg)
	if closed.FailureScore != 2 || closed.State != CircuitClosed {
		t.Errorf("expected closed state untouched, got %v (%s)", closed.FailureScore, closed.State)
	}
}

func TestAdmit_HalfOpenSingleProbe(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}
	opened := time.Now()
	st := BreakerState{State: CircuitOpen, OpenedAt: opened}

	if _, ok := Admit(st, opened.Add(30*time.Second), cfg); ok {
		t.Fatal("expected open circuit to reject before reset timeout")
	}

	st, ok := Admit(st, opened.Add(2*time.Minute), cfg)
	if !ok || st.State != CircuitHalfOpen {
		t.Fatalf("expected half-open probe to be admitted, got ok=%v state=%s", ok, st.State)
	}
	if _, ok := Admit(st, opened.Add(2*time.Minute), cfg); ok {
		t.Error("expected second concurrent probe to be rejected")
	}

	st = NextState(st, OutcomeSuccess, opened.Add(2*time.Minute), cfg)
	if st.State != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", st.State)
	}
}

func TestOutcomeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeSuccess},
		{&ClassifiedError{Kind: KindTimeout}, OutcomeTimeout},
		{&ClassifiedError{Kind: KindAuthentication}, OutcomeFatal},
		{&ClassifiedError{Kind: KindUpstreamServer}, OutcomeFailure},
		{&ClassifiedError{Kind: KindUpstreamClient}, OutcomeIgnored},
		{context.Canceled, OutcomeAbandoned},
		{ErrCircuitOpen, OutcomeAbandoned},
		{errors.New("boom"), OutcomeFailure},
	}
	for _, tc := range cases {
		if got := OutcomeOf(tc.err); got != tc.want {
			t.Errorf("OutcomeOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
