package resilience

import "fmt"

const (
	defaultMaxRetries        = 3
	defaultInitialDelayMs    = 1000
	defaultBackoffMultiplier = 2.0
	defaultMaxDelayMs        = 30000
)

// RetryPolicy shapes the retry loop of a single executor call.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelayMs    int64
	BackoffMultiplier float64
	MaxDelayMs        int64
}

// NewRetryPolicy validates and returns a policy.
func NewRetryPolicy(maxRetries int, initialDelayMs int64, backoffMultiplier float64, maxDelayMs int64) (RetryPolicy, error) {
	policy := RetryPolicy{
		MaxRetries:        maxRetries,
		InitialDelayMs:    initialDelayMs,
		BackoffMultiplier: backoffMultiplier,
		MaxDelayMs:        maxDelayMs,
	}
	if err := policy.Validate(); err != nil {
		return RetryPolicy{}, err
	}
	return policy, nil
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, doubling, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        defaultMaxRetries,
		InitialDelayMs:    defaultInitialDelayMs,
		BackoffMultiplier: defaultBackoffMultiplier,
		MaxDelayMs:        defaultMaxDelayMs,
	}
}

// Validate reports whether the policy can drive a retry loop.
func (policy RetryPolicy) Validate() error {
	if policy.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be at least 1", ErrInvalidRetryPolicy)
	}
	if policy.InitialDelayMs < 0 {
		return fmt.Errorf("%w: initial delay must not be negative", ErrInvalidRetryPolicy)
	}
	if policy.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be at least 1", ErrInvalidRetryPolicy)
	}
	if policy.MaxDelayMs < policy.InitialDelayMs {
		return fmt.Errorf("%w: max delay must not be below initial delay", ErrInvalidRetryPolicy)
	}
	return nil
}
