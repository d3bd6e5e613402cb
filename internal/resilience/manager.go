package resilience

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BudgetConfig caps how many retries one service may spend per window,
// summed across all concurrent calls.
type BudgetConfig struct {
	// RetriesPerWindow is the bucket size and refill amount. Zero disables
	// the budget.
	RetriesPerWindow int
	// Window is the refill period. Default: 1m.
	Window time.Duration
}

// CallMetrics describes one ExecuteWithRetry call.
type CallMetrics struct {
	Attempts     int           `json:"attempts"`
	Retries      int           `json:"retries"`
	TotalDelay   time.Duration `json:"total_delay"`
	Duration     time.Duration `json:"duration"`
	FinalKind    Kind          `json:"-"`
	CircuitState CircuitState  `json:"circuit_state"`
	BudgetDenied bool          `json:"budget_denied,omitempty"`
}

// RetryState is the externally visible resilience state of one service.
type RetryState struct {
	Service         string       `json:"service"`
	AttemptCount    int64        `json:"attempt_count"`
	BudgetRemaining int          `json:"budget_remaining"`
	CircuitState    CircuitState `json:"circuit_state"`
	FailureScore    float64      `json:"failure_score"`
	LastFailureAt   *time.Time   `json:"last_failure_at,omitempty"`
}

// Manager owns per-service breakers and retry budgets. It is safe for
// concurrent use.
type Manager struct {
	breakers *ServiceBreakers
	circuit  CircuitBreakerConfig
	retry    RetryConfig
	budget   BudgetConfig
	now      func() time.Time
	sleeper  Sleeper

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	attempts map[string]int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRetryDefaults sets the retry config used when a call passes nil.
func WithRetryDefaults(cfg RetryConfig) ManagerOption {
	return func(m *Manager) { m.retry = cfg }
}

// WithCircuitConfig sets the breaker config for every service.
func WithCircuitConfig(cfg CircuitBreakerConfig) ManagerOption {
	return func(m *Manager) { m.circuit = cfg }
}

// WithBudget sets the per-service retry budget.
func WithBudget(cfg BudgetConfig) ManagerOption {
	return func(m *Manager) { m.budget = cfg }
}

// WithClock overrides the clock used for budgets and breakers.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithSleeper overrides how backoff delays are waited out.
func WithSleeper(s Sleeper) ManagerOption {
	return func(m *Manager) { m.sleeper = s }
}

// NewManager creates a Manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		circuit:  DefaultCircuitBreakerConfig(),
		retry:    DefaultRetryConfig(),
		now:      time.Now,
		sleeper:  TimerSleeper,
		limiters: make(map[string]*rate.Limiter),
		attempts: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.circuit.Now == nil {
		m.circuit.Now = m.now
	}
	m.breakers = NewServiceBreakers(m.circuit)
	if m.budget.Window <= 0 {
		m.budget.Window = time.Minute
	}
	return m
}

// Breaker returns the circuit breaker for service.
func (m *Manager) Breaker(service string) *CircuitBreaker {
	return m.breakers.Get(service)
}

func (m *Manager) limiter(service string) *rate.Limiter {
	if m.budget.RetriesPerWindow <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[service]
	if !ok {
		every := m.budget.Window / time.Duration(m.budget.RetriesPerWindow)
		l = rate.NewLimiter(rate.Every(every), m.budget.RetriesPerWindow)
		m.limiters[service] = l
	}
	return l
}

func (m *Manager) countAttempt(service string) {
	m.mu.Lock()
	m.attempts[service]++
	m.mu.Unlock()
}

// State returns the resilience state of service.
func (m *Manager) State(service string) RetryState {
	cb := m.breakers.Get(service)
	snap := cb.Snapshot()

	st := RetryState{
		Service:         service,
		CircuitState:    cb.State(),
		FailureScore:    snap.FailureScore,
		BudgetRemaining: -1,
	}
	if !snap.LastFailureAt.IsZero() {
		t := snap.LastFailureAt
		st.LastFailureAt = &t
	}
	if l := m.limiter(service); l != nil {
		st.BudgetRemaining = int(math.Floor(l.TokensAt(m.now())))
	}
	m.mu.Lock()
	st.AttemptCount = m.attempts[service]
	m.mu.Unlock()
	return st
}

// States returns the state of every service seen so far, sorted by name.
func (m *Manager) States() []RetryState {
	names := make([]string, 0)
	for name := range m.breakers.States() {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]RetryState, 0, len(names))
	for _, name := range names {
		out = append(out, m.State(name))
	}
	return out
}

// Reset closes the breaker, refills the budget and clears counters for
// service.
func (m *Manager) Reset(service string) {
	m.breakers.Get(service).Reset()
	m.mu.Lock()
	delete(m.limiters, service)
	delete(m.attempts, service)
	m.mu.Unlock()
	zap.L().Info("resilience state reset", zap.String("service", service))
}

// ExecuteWithRetry runs fn for service/operation through the service's
// circuit breaker, retrying retryable failures with exponential backoff
// while the retry budget allows. A nil cfg uses the manager's defaults.
// The final error is a *ClassifiedError.
func ExecuteWithRetry[T any](
	ctx context.Context,
	m *Manager,
	service, operation string,
	fn func(ctx context.Context) (T, error),
	cfg *RetryConfig,
) (T, CallMetrics, error) {
	rc := m.retry
	if cfg != nil {
		rc = *cfg
	}
	rc = applyDefaults(rc)
	if rc.OnRetry == nil {
		rc.OnRetry = RetryLogger(service, operation)
	}

	cb := m.breakers.Get(service)
	limiter := m.limiter(service)

	var val T
	machine := &retryMachine{
		cfg:     rc,
		sleeper: m.sleeper,
		admit:   cb.allowRequest,
		record:  cb.recordResult,
		allowRetry: func() bool {
			if limiter == nil {
				return true
			}
			return limiter.AllowN(m.now(), 1)
		},
	}

	err := machine.run(ctx, func(ctx context.Context) error {
		m.countAttempt(service)
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		val = v
		return nil
	})

	metrics := machine.metrics
	metrics.CircuitState = cb.State()
	if err == nil {
		return val, metrics, nil
	}

	if metrics.BudgetDenied {
		zap.L().Warn("retry budget exhausted",
			zap.String("service", service),
			zap.String("operation", operation),
		)
	}

	var zero T
	return zero, metrics, wrapFinal(err, service, operation, metrics)
}

func wrapFinal(err error, service, operation string, metrics CallMetrics) error {
	if ce, ok := err.(*ClassifiedError); ok && (ce.Service == "" || ce.Service == service) {
		out := *ce
		out.Service = service
		out.Operation = operation
		out.Attempts = metrics.Attempts
		if out.Kind == KindUnknown {
			out.Kind = metrics.FinalKind
		}
		return &out
	}
	out := &ClassifiedError{
		Kind:      metrics.FinalKind,
		Service:   service,
		Operation: operation,
		Attempts:  metrics.Attempts,
		Err:       err,
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		out.StatusCode = sc.HTTPStatus()
	}
	return out
}
