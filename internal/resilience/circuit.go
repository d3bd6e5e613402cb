// Package resilience provides circuit breaker and retry patterns for external service calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures. Requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the result of one call as seen by the breaker.
type Outcome int

const (
	// OutcomeSuccess resets the failure score.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure counts fully toward the threshold.
	OutcomeFailure
	// OutcomeTimeout counts TimeoutWeight toward the threshold.
	OutcomeTimeout
	// OutcomeFatal opens the circuit immediately (e.g. rejected credentials).
	OutcomeFatal
	// OutcomeIgnored leaves the failure score unchanged. The dependency
	// answered, so a half-open probe with this outcome counts as healthy.
	OutcomeIgnored
	// OutcomeAbandoned means the call ended before the dependency answered,
	// e.g. the caller cancelled it. Only the probe slot is released.
	OutcomeAbandoned
)

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the failure score at which the circuit opens.
	// Hard failures score 1, timeouts score TimeoutWeight. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before transitioning
	// to half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMaxProbes is the number of successful probes required in
	// half-open state before closing the circuit. Default: 1.
	HalfOpenMaxProbes int

	// TimeoutWeight is the score a timeout adds. Default: 0.5.
	TimeoutWeight float64

	// ShouldTrip optionally overrides outcome classification. If it returns
	// false for an error, the error is ignored by the breaker.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
		TimeoutWeight:     0.5,
	}
}

func (cfg CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	if cfg.TimeoutWeight <= 0 {
		cfg.TimeoutWeight = 0.5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// BreakerState is the full state of one breaker. It is a plain value so the
// transition function can be tested without a clock.
type BreakerState struct {
	State             CircuitState
	FailureScore      float64
	Failures          int
	OpenedAt          time.Time
	LastFailureAt     time.Time
	HalfOpenSuccesses int
	ProbeInFlight     bool
}

// NextState applies a call outcome to the breaker state.
func NextState(cur BreakerState, outcome Outcome, now time.Time, cfg CircuitBreakerConfig) BreakerState {
	cfg = cfg.withDefaults()
	next := cur
	next.ProbeInFlight = false

	if outcome == OutcomeAbandoned {
		return next
	}
	if outcome == OutcomeIgnored {
		if cur.State != CircuitHalfOpen {
			return next
		}
		// The dependency answered; treat it as a healthy probe.
		outcome = OutcomeSuccess
	}

	if outcome == OutcomeSuccess {
		switch cur.State {
		case CircuitHalfOpen:
			next.HalfOpenSuccesses++
			if next.HalfOpenSuccesses >= cfg.HalfOpenMaxProbes {
				next.State = CircuitClosed
				next.FailureScore = 0
				next.Failures = 0
				next.HalfOpenSuccesses = 0
			}
		case CircuitClosed:
			next.FailureScore = 0
			next.Failures = 0
		}
		return next
	}

	next.Failures++
	next.LastFailureAt = now
	switch outcome {
	case OutcomeTimeout:
		next.FailureScore += cfg.TimeoutWeight
	default:
		next.FailureScore++
	}

	switch cur.State {
	case CircuitClosed:
		if outcome == OutcomeFatal || next.FailureScore >= float64(cfg.FailureThreshold) {
			next.State = CircuitOpen
			next.OpenedAt = now
		}
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit.
		next.State = CircuitOpen
		next.OpenedAt = now
		next.HalfOpenSuccesses = 0
	case CircuitOpen:
		next.OpenedAt = now
	}
	return next
}

// Admit decides whether a call may proceed. An open circuit past its reset
// timeout becomes half-open and admits exactly one probe at a time.
func Admit(cur BreakerState, now time.Time, cfg CircuitBreakerConfig) (BreakerState, bool) {
	cfg = cfg.withDefaults()
	next := cur
	switch cur.State {
	case CircuitOpen:
		if now.Sub(cur.OpenedAt) < cfg.ResetTimeout {
			return next, false
		}
		next.State = CircuitHalfOpen
		next.HalfOpenSuccesses = 0
		next.ProbeInFlight = true
		return next, true
	case CircuitHalfOpen:
		if cur.ProbeInFlight {
			return next, false
		}
		next.ProbeInFlight = true
		return next, true
	default:
		return next, true
	}
}

// OutcomeOf maps an error onto a breaker outcome.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch Classify(err) {
	case KindTimeout:
		return OutcomeTimeout
	case KindAuthentication:
		return OutcomeFatal
	case KindNetwork, KindRateLimit, KindUpstreamServer:
		return OutcomeFailure
	case KindValidation, KindUpstreamClient:
		return OutcomeIgnored
	case KindCircuitOpen:
		return OutcomeAbandoned
	default:
		if errors.Is(err, context.Canceled) {
			return OutcomeAbandoned
		}
		return OutcomeFailure
	}
}

// CircuitBreaker implements the circuit breaker pattern for a single service.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	mu  sync.Mutex
	st  BreakerState
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// State returns the current circuit state. An open circuit whose reset
// timeout has elapsed reports half-open.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.st.State == CircuitOpen && cb.cfg.Now().Sub(cb.st.OpenedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.st.State
}

// Snapshot returns a copy of the breaker state.
func (cb *CircuitBreaker) Snapshot() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.st
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.st.State
	cb.st = BreakerState{}
	if old != CircuitClosed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(old, CircuitClosed)
	}
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	next, ok := Admit(cb.st, cb.cfg.Now(), cb.cfg)
	cb.apply(next)
	if !ok {
		return ErrCircuitOpen
	}
	return nil
}

func (cb *CircuitBreaker) recordResult(err error) {
	outcome := OutcomeOf(err)
	if outcome != OutcomeAbandoned && err != nil && cb.cfg.ShouldTrip != nil && !cb.cfg.ShouldTrip(err) {
		outcome = OutcomeIgnored
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.apply(NextState(cb.st, outcome, cb.cfg.Now(), cb.cfg))
}

// apply stores next and fires OnStateChange. Caller holds mu.
func (cb *CircuitBreaker) apply(next BreakerState) {
	from := cb.st.State
	cb.st = next
	if from != next.State && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, next.State)
	}
}

// ServiceBreakers manages circuit breakers for multiple services.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewServiceBreakers creates a registry of per-service circuit breakers.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the circuit breaker for the named service, creating one if needed.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[service]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[service]; ok {
		return cb
	}
	cb = NewCircuitBreaker(sb.cfg)
	sb.breakers[service] = cb
	return cb
}

// States returns a snapshot of all circuit breaker states.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}
