package retry

import (
	"context"
	"math"
	"time"
)

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// ErrorClassifier determines if an error is retryable
type ErrorClassifier func(error) bool

// RetryOptions defines the configuration for retries
type RetryOptions struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Classifier      ErrorClassifier

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultOptions returns the options used while waiting for Postgres at
// startup.
func DefaultOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}
}

// Do executes fn with exponential backoff. It returns the last error once
// MaxAttempts is exhausted, or immediately for errors the classifier
// rejects.
func Do(ctx context.Context, fn RetryableFunc, opts RetryOptions) error {
	attempts := max(opts.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if opts.Classifier != nil && !opts.Classifier(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := CalculateBackoff(attempt, opts)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// CalculateBackoff returns the wait after a given failed attempt.
func CalculateBackoff(attempt int, opts RetryOptions) time.Duration {
	if attempt <= 1 {
		return min(opts.InitialInterval, opts.MaxInterval)
	}

	interval := float64(opts.InitialInterval) * math.Pow(opts.Multiplier, float64(attempt-1))
	if interval > float64(opts.MaxInterval) {
		return opts.MaxInterval
	}
	return time.Duration(interval)
}
