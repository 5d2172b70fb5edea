// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Retry configuration constants
const (
	DefaultMaxAttempts = 5
	DefaultDelay       = time.Second
)

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxAttempts int // total attempts including the first
	Delay       time.Duration
	IsRetryable func(error) bool
	// OnAttempt is called before each attempt with its 1-based number.
	OnAttempt func(attempt int)
}

// FixedRetryConfig returns a bounded retry with a constant inter-attempt delay.
func FixedRetryConfig(attempts int, delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		Delay:       delay,
		IsRetryable: IsRetryable,
	}
}

// IsRetryable retries everything except context cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Retry executes fn until it succeeds or attempts run out. Returns last error if all attempts fail.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cfg.OnAttempt != nil {
			cfg.OnAttempt(attempt)
		}

		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		slog.Debug("retrying after error", "attempt", attempt, "max", cfg.MaxAttempts, "delay", cfg.Delay, "error", lastErr)

		timer := time.NewTimer(cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.IsRetryable == nil {
		c.IsRetryable = IsRetryable
	}
	return c
}
