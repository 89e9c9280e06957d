// Package reliability provides the retry and backoff policies used by the
// connection and dispatch layers.
//
// Policies:
//   - ExponentialBackoff: capped exponential delay with ±15% jitter, used for
//     reconnection and for retrying dispatched actions
//   - FixedDelay: constant delay, mostly useful in tests
//
// A policy with a negative attempt limit never gives up. Retry drives a
// function through a policy and wraps the final failure in a *RetryError.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
