package util

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryOptions configures Retry behavior.
type RetryOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Retry runs fn up to MaxAttempts times with exponential backoff between
// attempts. Each delay carries up to 30% jitter. The last error is returned
// when all attempts fail; ctx cancellation aborts the wait between attempts.
func Retry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 10 * time.Second
	}

	delay := opts.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == opts.MaxAttempts {
			break
		}

		jitter := time.Duration(rand.Float64() * 0.3 * float64(delay))
		wait := delay + jitter
		slog.Debug("Retry: attempt failed, backing off", "attempt", attempt, "maxAttempts", opts.MaxAttempts, "wait", wait, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > opts.BackoffMax {
			delay = opts.BackoffMax
		}
	}
	return lastErr
}
