package resilience

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

// DefaultRetryConfig returns the defaults used for LLM request retries
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// IsRetryableError decides whether an error is worth another attempt
type IsRetryableError func(error) bool

// Retry executes fn with exponential backoff until it succeeds, the attempts
// run out, or the context is done. A non-retryable error returns immediately.
func Retry(ctx context.Context, fn RetryableFunc, config *RetryConfig, isRetryable IsRetryableError) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		if attempt < config.MaxAttempts-1 {
			sleep := backoff
			if config.Jitter {
				// Up to 25% jitter keeps concurrent retries from aligning
				sleep += time.Duration(rand.Float64() * 0.25 * float64(sleep))
			}
			if sleep > config.MaxBackoff {
				sleep = config.MaxBackoff
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * config.Multiplier)
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	return lastErr
}

// IsRetryableNetworkError checks if an error looks like a transient network
// failure worth retrying
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	for _, s := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"network is unreachable",
		"no route to host",
		"deadline exceeded",
		"timeout",
		"i/o timeout",
		"temporary failure",
		"too many connections",
		"rate limit",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
