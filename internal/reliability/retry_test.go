package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleep captures requested pauses without waiting
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("NextDelay is deterministic and capped", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 10)

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{1, 100 * time.Millisecond},
			{2, 200 * time.Millisecond},
			{3, 400 * time.Millisecond},
			{4, 800 * time.Millisecond},
			{5, 1 * time.Second},
			{9, 1 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("multiplier of one gives a fixed delay", func(t *testing.T) {
		eb := NewExponentialBackoff(250*time.Millisecond, time.Minute, 1.0, 4)
		for i := 1; i <= 4; i++ {
			assert.Equal(t, 250*time.Millisecond, eb.NextDelay(i))
		}
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)
		eb.Jitter = true
		for i := 0; i < 20; i++ {
			d := eb.NextDelay(1)
			assert.GreaterOrEqual(t, d, 850*time.Millisecond)
			assert.LessOrEqual(t, d, 1150*time.Millisecond)
		}
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(10*time.Millisecond, time.Second, 2.0, 3)

		ok, _ := eb.ShouldRetry(1, errors.New("boom"))
		assert.True(t, ok)
		ok, _ = eb.ShouldRetry(2, errors.New("boom"))
		assert.True(t, ok)
		ok, delay := eb.ShouldRetry(3, errors.New("boom"))
		assert.False(t, ok)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("Validate", func(t *testing.T) {
		assert.NoError(t, DefaultBackoff().Validate())
		assert.ErrorIs(t, NewExponentialBackoff(0, 0, 2, 0).Validate(), ErrInvalidPolicy)
		assert.ErrorIs(t, NewExponentialBackoff(0, 0, 0.5, 1).Validate(), ErrInvalidPolicy)
		assert.ErrorIs(t, NewExponentialBackoff(-1, 0, 1, 1).Validate(), ErrInvalidPolicy)
	})
}

func TestDo(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		rec := &recordingSleep{}
		exec := NewExecutor(NewExponentialBackoff(time.Second, time.Minute, 2, 3), WithSleep(rec.sleep))
		calls := 0

		got, err := Do(context.Background(), exec, "op", func(context.Context) (string, error) {
			calls++
			return "ok", nil
		})

		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 1, calls)
		assert.Empty(t, rec.delays)
	})

	t.Run("k failures then success makes k+1 calls", func(t *testing.T) {
		for k := 0; k < 5; k++ {
			rec := &recordingSleep{}
			exec := NewExecutor(NewExponentialBackoff(time.Second, time.Minute, 2, 5), WithSleep(rec.sleep))
			calls := 0

			_, err := Do(context.Background(), exec, "op", func(context.Context) (int, error) {
				calls++
				if calls <= k {
					return 0, errors.New("transient")
				}
				return calls, nil
			})

			require.NoError(t, err)
			assert.Equal(t, k+1, calls)
			assert.Len(t, rec.delays, k)
		}
	})

	t.Run("exhaustion wraps the last cause", func(t *testing.T) {
		rec := &recordingSleep{}
		exec := NewExecutor(NewExponentialBackoff(time.Second, 3*time.Second, 2, 4), WithSleep(rec.sleep))
		calls := 0
		last := errors.New("failure 4")

		_, err := Do(context.Background(), exec, "put blob", func(context.Context) (int, error) {
			calls++
			if calls == 4 {
				return 0, last
			}
			return 0, errors.New("earlier failure")
		})

		require.Error(t, err)
		assert.Equal(t, 4, calls)
		var retryErr *RetryError
		require.True(t, errors.As(err, &retryErr))
		assert.Equal(t, 4, retryErr.Attempts)
		assert.Equal(t, 4, retryErr.MaxAttempts)
		assert.ErrorIs(t, err, last)
		assert.Contains(t, err.Error(), "4/4 attempts")
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, rec.delays)
	})

	t.Run("single attempt policy never sleeps", func(t *testing.T) {
		rec := &recordingSleep{}
		exec := NewExecutor(NewExponentialBackoff(time.Second, time.Minute, 2, 1), WithSleep(rec.sleep))
		calls := 0

		err := exec.Run(context.Background(), "send", func(context.Context) error {
			calls++
			return errors.New("down")
		})

		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Empty(t, rec.delays)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		rec := &recordingSleep{}
		exec := NewExecutor(NewExponentialBackoff(time.Second, time.Minute, 2, 5), WithSleep(rec.sleep))
		cause := errors.New("bad input")
		calls := 0

		err := exec.Run(context.Background(), "op", func(context.Context) error {
			calls++
			return Permanent(cause)
		})

		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, cause)
		var retryErr *RetryError
		assert.False(t, errors.As(err, &retryErr))
	})

	t.Run("context cancellation interrupts the pause", func(t *testing.T) {
		exec := NewExecutor(NewExponentialBackoff(time.Hour, time.Hour, 2, 5))
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0

		err := exec.Run(ctx, "op", func(context.Context) error {
			calls++
			cancel()
			return errors.New("down")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("concurrent use shares no state", func(t *testing.T) {
		rec := &recordingSleep{}
		exec := NewExecutor(NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 3), WithSleep(rec.sleep))

		var wg sync.WaitGroup
		results := make([]int, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				calls := 0
				_ = exec.Run(context.Background(), "op", func(context.Context) error {
					calls++
					if calls < 2 {
						return errors.New("once")
					}
					return nil
				})
				results[i] = calls
			}(i)
		}
		wg.Wait()

		for _, calls := range results {
			assert.Equal(t, 2, calls)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("x")))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.False(t, IsRetryable(ErrNonRetryable))
	assert.True(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.Nil(t, Permanent(nil))
}
