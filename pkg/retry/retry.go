// Package retry provides retry with exponential backoff for provider calls.
// It is a pure wrapper: any single call can be composed with a Retryer, and
// only the final outcome crosses the component boundary.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/mediaops/mediaops/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the attempt ceiling, including the initial attempt.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the backoff growth factor.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter randomizes delays to avoid thundering herd.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes functions with exponential backoff.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling zero values with defaults.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 4
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 200 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do executes fn with retry and reports the number of attempts made.
// Classified errors retry only when their Retryable flag is set;
// unclassified errors are treated as terminal.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempt - 1, errors.New(errors.ErrCodeOperationTimeout, "operation canceled").WithCause(ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return attempt, err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delayFor(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return attempt, errors.New(errors.ErrCodeOperationTimeout,
				fmt.Sprintf("operation canceled after %d attempts", attempt)).WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}

	return r.config.MaxAttempts, errors.New(errors.ErrCodeRetryExhausted,
		fmt.Sprintf("max retry attempts (%d) exceeded", r.config.MaxAttempts)).WithCause(lastErr)
}

func shouldRetry(err error) bool {
	var classified *errors.Error
	if stderr.As(err, &classified) {
		return classified.Retryable
	}
	return false
}

func (r *Retryer) delayFor(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// WithMaxAttempts returns a Retryer with a modified attempt ceiling.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	cfg := r.config
	cfg.MaxAttempts = attempts
	return New(cfg)
}

// WithOnRetry returns a Retryer with a retry callback.
func (r *Retryer) WithOnRetry(fn func(attempt int, err error, delay time.Duration)) *Retryer {
	cfg := r.config
	cfg.OnRetry = fn
	return New(cfg)
}

// Fixed retries fn up to maxAttempts with a constant delay between attempts.
// Used where the provider prescribes a flat pacing, such as invalidation
// throttling, rather than exponential backoff.
func Fixed(ctx context.Context, maxAttempts int, delay time.Duration, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !shouldRetry(err) || attempt == maxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.New(errors.ErrCodeOperationTimeout, "operation canceled").WithCause(ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}
