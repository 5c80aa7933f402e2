// Package retry provides exponential-backoff retry for tool invocations.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Config configures retry behavior for a tool.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// BackoffMultiplier scales the delay for each subsequent retry.
	BackoffMultiplier float64

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          10 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultConfig. A negative MaxRetries
// is treated as zero (a single attempt, no retries).
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	return c
}

// Delay returns the backoff delay after the given zero-based failed
// attempt: BaseDelay * BackoffMultiplier^attempt, capped at MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Result contains the outcome of a retried operation.
type Result struct {
	// Attempts is the total number of attempts made (>= 1).
	Attempts int

	// TotalDelay is the cumulative time spent sleeping between attempts.
	TotalDelay time.Duration

	// Err is the final error (nil on success).
	Err error
}

// Do executes op with retries. op receives the zero-based attempt number.
// A nil error stops immediately, as does an error wrapped with Permanent.
// onRetry, if non-nil, is called before each backoff sleep.
func Do(ctx context.Context, cfg Config, op func(attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) Result {
	cfg = cfg.WithDefaults()
	var result Result

	for attempt := 0; ; attempt++ {
		result.Attempts = attempt + 1

		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		err := op(attempt)
		if err == nil {
			result.Err = nil
			return result
		}
		result.Err = err

		if IsPermanent(err) || attempt >= cfg.MaxRetries {
			return result
		}

		delay := cfg.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(delay):
			result.TotalDelay += delay
		}
	}
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to stop further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is or wraps a PermanentError.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
