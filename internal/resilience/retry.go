package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with exponential backoff and jitter.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3.
	MaxRetries int

	// BaseDelay is the delay before the first retry. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff duration. Default: 30s.
	MaxDelay time.Duration

	// BackoffMultiplier scales the backoff after each attempt. Default: 2.0.
	BackoffMultiplier float64

	// Jitter adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%). Default: 0.1.
	Jitter float64

	// ShouldRetry optionally overrides the default retryable-kind check.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns a sensible retry configuration for API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// NoJitter is a sentinel for RetryConfig.Jitter that disables jitter, since
// a zero value selects the default.
const NoJitter = -1.0

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	switch {
	case cfg.Jitter < 0:
		cfg.Jitter = 0
	case cfg.Jitter == 0:
		cfg.Jitter = 0.1
	}
	return cfg
}

// computeBackoff returns min(MaxDelay, BaseDelay*Multiplier^attempt) with
// ±Jitter applied. attempt is zero-based.
func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		jitterRange := delay * cfg.Jitter
		jitter := (rand.Float64()*2 - 1) * jitterRange // [-jitterRange, +jitterRange]
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Sleeper waits between attempts. Implementations must return early with
// ctx.Err() when the context ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper sleeps on a real timer.
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
})

// RetryPhase is a state of the retry state machine.
type RetryPhase int

const (
	PhaseIdle RetryPhase = iota
	PhaseAttempting
	PhaseBackoff
	PhaseSucceeded
	PhaseExhausted
)

func (p RetryPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAttempting:
		return "attempting"
	case PhaseBackoff:
		return "backoff"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// retryMachine drives one logical call. Attempts are strictly sequential.
type retryMachine struct {
	cfg     RetryConfig
	sleeper Sleeper
	// allowRetry is consulted before every retry; nil allows all.
	allowRetry func() bool
	// admit is consulted before every attempt; nil admits all.
	admit func() error
	// record receives every attempt outcome; nil discards.
	record func(err error)

	phase   RetryPhase
	attempt int
	metrics CallMetrics
}

func (m *retryMachine) run(ctx context.Context, fn func(ctx context.Context) error) error {
	shouldRetry := m.cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}
	start := time.Now()
	defer func() { m.metrics.Duration = time.Since(start) }()

	m.phase = PhaseAttempting
	var lastErr error
	for {
		switch m.phase {
		case PhaseAttempting:
			if m.admit != nil {
				if err := m.admit(); err != nil {
					lastErr = err
					m.phase = PhaseExhausted
					continue
				}
			}
			m.metrics.Attempts++
			lastErr = fn(ctx)
			if m.record != nil {
				m.record(lastErr)
			}
			if lastErr == nil {
				m.phase = PhaseSucceeded
				continue
			}
			switch {
			case ctx.Err() != nil, !shouldRetry(lastErr), m.attempt >= m.cfg.MaxRetries:
				m.phase = PhaseExhausted
			case m.allowRetry != nil && !m.allowRetry():
				m.metrics.BudgetDenied = true
				m.phase = PhaseExhausted
			default:
				m.phase = PhaseBackoff
			}

		case PhaseBackoff:
			if m.cfg.OnRetry != nil {
				m.cfg.OnRetry(m.attempt+1, lastErr)
			}
			delay := computeBackoff(m.attempt, m.cfg)
			m.metrics.TotalDelay += delay
			m.attempt++
			m.metrics.Retries++
			if err := m.sleeper.Sleep(ctx, delay); err != nil {
				m.phase = PhaseExhausted
				continue
			}
			m.phase = PhaseAttempting

		case PhaseSucceeded:
			m.metrics.FinalKind = KindUnknown
			return nil

		case PhaseExhausted:
			m.metrics.FinalKind = Classify(lastErr)
			return lastErr

		default:
			// PhaseIdle is never re-entered.
			m.phase = PhaseAttempting
		}
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.String("kind", Classify(err).String()),
			zap.Error(err),
		)
	}
}
