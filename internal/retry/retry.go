package retry

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig represents retry configuration
type RetryConfig struct {
	MaxRetries int // total attempts
	RetryDelay time.Duration

	// OnRetry is called after a failed attempt that will be retried
	OnRetry func(attempt int, err error)
}

// Do executes fn until it succeeds or the attempts are exhausted, doubling the delay
// between attempts.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't wait after the last attempt
		if i < attempts-1 {
			if cfg.OnRetry != nil {
				cfg.OnRetry(i+1, err)
			}
			delay := time.Duration(1<<uint(i)) * cfg.RetryDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
