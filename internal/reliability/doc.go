// Package reliability provides the retry policies used when a management
// request fails with a transient error.
//
// Policies decide whether another attempt is made and how long to wait
// before it. Errors opt out of retries by implementing
//
//	interface{ IsRetryable() bool }
//
// and returning false. Errors that do not implement it are retried.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, "peek-message", func() error {
//	    return send(ctx)
//	})
package reliability
