package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. Non-positive
// values keep the defaults, except jitter where a negative value disables it.
func FromRetryConfig(maxRetries, baseDelayMs, maxDelayMs int, multiplier, jitter float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxRetries > 0 {
		cfg.MaxRetries = maxRetries
	}
	if baseDelayMs > 0 {
		cfg.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.BackoffMultiplier = multiplier
	}
	switch {
	case jitter < 0:
		cfg.Jitter = NoJitter
	case jitter > 0:
		cfg.Jitter = jitter
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int, timeoutWeight float64) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	if timeoutWeight > 0 {
		cfg.TimeoutWeight = timeoutWeight
	}
	return cfg
}

// FromBudgetConfig converts config values to a BudgetConfig.
func FromBudgetConfig(retriesPerMinute int) BudgetConfig {
	return BudgetConfig{RetriesPerWindow: retriesPerMinute, Window: time.Minute}
}
