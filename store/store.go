// Package store provides counter storage backends for admission control.
//
// A Store is the single source of cross-process truth for quota state. Every
// compound operation (ConsumeToken, LogAndCount) executes atomically inside
// the backend: two concurrent calls for the same key can never both observe
// the last token and both be admitted. Implementations must be safe for
// concurrent use.
//
// For distributed deployments (Kubernetes), use the Redis store. The in-memory
// store is only suitable for single-instance deployments and development.
package store

import (
	"context"
	"time"
)

// TokenResult is the outcome of an atomic token bucket consumption.
type TokenResult struct {
	// Allowed reports whether a token was consumed.
	Allowed bool

	// Remaining is the number of tokens left after the operation, never negative.
	Remaining int64

	// ResetAt is when the bucket refills completely from this point.
	ResetAt time.Time
}

// LogResult is the outcome of an atomic sliding-window log operation.
type LogResult struct {
	// Allowed reports whether the request was recorded within the limit.
	Allowed bool

	// Remaining is the number of additional requests the window can admit.
	Remaining int64

	// RetryAfter is how long until the oldest entry leaves the window.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// Store defines the interface for rate limit storage backends.
//
// The read-modify-write sequences behind ConsumeToken and LogAndCount must be
// executed as single atomic operations against the backend, not as separate
// get/compute/set calls from the client.
type Store interface {
	// ConsumeToken atomically refills the token bucket at key (linear refill,
	// integer floor, capped at max) and consumes one token if available.
	// Absent or malformed state is treated as a full bucket. The bucket is
	// persisted with lastRefill advanced to now and a TTL of window on both
	// admit and reject.
	ConsumeToken(ctx context.Context, key string, max int64, window time.Duration, now time.Time) (TokenResult, error)

	// LogAndCount atomically prunes window-log entries older than now-window,
	// counts the survivors, and appends member scored at now if the count is
	// below max. The log's TTL is refreshed to window on admission.
	LogAndCount(ctx context.Context, key, member string, max int64, window time.Duration, now time.Time) (LogResult, error)

	// ReturnToken gives one token back to the bucket at key, capped at max.
	// A missing bucket is left absent (it is already full by definition).
	ReturnToken(ctx context.Context, key string, max int64) error

	// RemoveLogEntry removes a previously recorded member from the window log.
	RemoveLogEntry(ctx context.Context, key, member string) error

	// Get retrieves the current value for the given key without mutating it:
	// tokens remaining for a bucket key, entry count for a window-log key.
	// Returns 0 if the key doesn't exist.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes all state for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
