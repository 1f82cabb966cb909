package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	Enabled            bool          // Enable/disable retry logic
	MaxAttempts        int           // Retries after the first call; 0 with Forever means unbounded
	InitialDelay       time.Duration // Initial delay before first retry
	MaxDelay           time.Duration // Maximum delay between retries
	Multiplier         float64       // Exponential backoff multiplier (typically 2.0)
	Jitter             bool          // Spread delays by +/-25%
	NonRetryableErrors []error       // Errors that stop retrying immediately
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ReconnectConfig is the backoff used to re-register with the rendezvous
// service after a disconnect.
func ReconnectConfig() Config {
	return Config{
		Enabled:      true,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a result with exponential backoff retry logic
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isNonRetryable(err, cfg.NonRetryableErrors) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if err := sleep(ctx, Delay(cfg, attempt)); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Forever keeps calling fn until it succeeds, returns a non-retryable error,
// or ctx is done. onRetry, when set, observes every failed attempt.
func Forever(ctx context.Context, cfg Config, fn func() error, onRetry func(attempt int, err error, wait time.Duration)) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		if isNonRetryable(err, cfg.NonRetryableErrors) {
			return err
		}

		wait := Delay(cfg, attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Delay returns the backoff before retry number attempt (zero based).
func Delay(cfg Config, attempt int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	duration := time.Duration(delay)
	if cfg.Jitter && duration > 0 {
		quarter := int64(duration / 4)
		if quarter > 0 {
			duration += time.Duration(rand.Int63n(2*quarter+1) - quarter)
		}
	}
	return duration
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isNonRetryable(err error, nonRetryableErrors []error) bool {
	for _, target := range nonRetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
