// Package notifier delivers outbound chat messages.
//
// Notify is asynchronous: queue, worker pool, token-bucket rate limit,
// retry with backoff and a dedup window that can be persisted so a restart
// does not resend. SendNow and Edit are synchronous for callers that need
// the message reference, and share the same limiter and circuit breaker.
package notifier
