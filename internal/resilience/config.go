package resilience

import (
	"time"
)

// FromRetryConfig converts configured millisecond and second values into a
// RetryConfig. Non-positive values keep the defaults.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs, attemptTimeoutSecs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if attemptTimeoutSecs > 0 {
		cfg.AttemptTimeout = time.Duration(attemptTimeoutSecs) * time.Second
	}
	return cfg
}

// FromCircuitConfig converts configured values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
