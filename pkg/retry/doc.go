// Package retry provides exponential backoff with jitter for transient
// failures.
//
// The connection manager drives its reconnect loop with Do and the
// Reconnect preset, and stream consumers use Config.Delay to space
// redeliveries when no explicit backoff list is configured.
//
//	err := retry.Do(ctx, retry.Reconnect(), func() error {
//	    return dial(ctx)
//	})
//
// Errors wrapped with NonRetryable, or classified invalid or fatal by the
// errors package, stop the loop immediately. MaxAttempts of Unlimited retries
// until the context ends.
package retry
