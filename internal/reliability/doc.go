// Package reliability provides the bounded retry executor used around every
// blob store and transport call.
//
// Every failure is retried until the policy's attempt budget is spent, then
// surfaced as a *RetryError carrying the last cause. Errors that report
// IsRetryable() == false (see Permanent) end the sequence immediately.
//
// Example usage:
//
//	exec := NewExecutor(NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 3))
//	data, err := Do(ctx, exec, "get blob", func(ctx context.Context) ([]byte, error) {
//	    return store.Get(ctx, pointer)
//	})
package reliability
