package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the interface for retry policies.
// Attempts are numbered from 1.
type RetryPolicy interface {
	// ShouldRetry reports whether a failed attempt is followed by another one, and after how long
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxAttempts returns the total number of attempts, including the first
	MaxAttempts() int
	// NextDelay returns the pause after the given failed attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements a bounded exponential backoff policy.
// The pause after attempt a is min(BaseDelay * Multiplier^(a-1), MaxDelay).
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Attempts   int
	Jitter     bool
}

// NewExponentialBackoff creates a deterministic exponential backoff policy
func NewExponentialBackoff(base, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  base,
		MaxDelay:   max,
		Multiplier: multiplier,
		Attempts:   maxAttempts,
	}
}

// DefaultBackoff returns the policy used when none is configured
func DefaultBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 3)
}

// Validate checks the policy parameters
func (e *ExponentialBackoff) Validate() error {
	switch {
	case e.Attempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidPolicy, e.Attempts)
	case e.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be at least 1, got %v", ErrInvalidPolicy, e.Multiplier)
	case e.BaseDelay < 0 || e.MaxDelay < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Attempts {
		return false, 0
	}

	if !IsRetryable(err) {
		return false, 0
	}

	return true, e.NextDelay(attempt)
}

// MaxAttempts implements RetryPolicy
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.BaseDelay) * math.Pow(e.Multiplier, float64(attempt-1))

	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}

	// ±15% jitter only moves the pause, never the attempt count
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// SleepFunc pauses between attempts. It returns early with ctx.Err() when ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ContextSleep is the default SleepFunc
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor runs operations under a RetryPolicy. It holds no per-call state
// and is safe for concurrent use.
type Executor struct {
	policy RetryPolicy
	sleep  SleepFunc
	logger *slog.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithSleep replaces the pause between attempts
func WithSleep(sleep SleepFunc) ExecutorOption {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithRetryLogger sets the logger
func WithRetryLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates an executor for policy
func NewExecutor(policy RetryPolicy, options ...ExecutorOption) *Executor {
	if policy == nil {
		policy = DefaultBackoff()
	}
	e := &Executor{
		policy: policy,
		sleep:  ContextSleep,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy
func (e *Executor) Policy() RetryPolicy {
	return e.policy
}

// Run executes fn until it succeeds or the policy gives up
func (e *Executor) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do executes fn until it succeeds or the policy gives up. When every
// attempt fails the result is a *RetryError wrapping the last failure.
// Errors marked non-retryable are returned as they are.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if !IsRetryable(err) {
			return zero, err
		}

		shouldRetry, delay := e.policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return zero, &RetryError{
				Op:          op,
				Attempts:    attempt,
				MaxAttempts: e.policy.MaxAttempts(),
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		e.logger.Debug("retrying operation",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("%s interrupted after %d attempts: %w", op, attempt, sleepErr)
		}
	}
}

// Retry executes fn with policy using the default sleep
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	return NewExecutor(policy).Run(ctx, "operation", func(context.Context) error {
		return fn()
	})
}

// IsRetryable determines if an error is retryable. Errors are retryable
// unless something in their chain says otherwise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return !errors.Is(err, ErrNonRetryable)
}

// RetryableError wraps an error to mark whether it is retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}
