// Package limiter provides the rate limiting strategies used by the admission
// pipeline: a fixed-refill token bucket for general API quotas, a
// sliding-window log for endpoints needing exact rolling-window counts, and a
// burst/sustained composition of two buckets.
//
// All strategies share one contract: Allow consults the counter store for a
// verdict and a quota projection, Refund un-counts a previously admitted
// request. Every store round-trip carries a short timeout and is detached from
// request cancellation, so an in-flight operation completes and leaves the
// store consistent even when the caller goes away.
//
// Strategies never decide what to do on a store failure; they return the error
// and leave the open/closed policy to the caller.
package limiter

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultStoreTimeout bounds a single store round-trip. A store slower than
// this is treated the same as an unreachable store.
const DefaultStoreTimeout = 50 * time.Millisecond

var validate = validator.New(validator.WithRequiredStructEnabled())

// Scope identifies which gate of a composed limiter produced a decision.
type Scope string

const (
	// ScopeBurst marks a verdict from the short burst window.
	ScopeBurst Scope = "burst"

	// ScopeSustained marks a verdict from the full sustained window.
	ScopeSustained Scope = "sustained"
)

// QuotaStatus is a read-only projection of quota state, used for response
// annotation. It is derived per decision and never persisted.
type QuotaStatus struct {
	// Limit is the configured ceiling for the window.
	Limit int64

	// Remaining is how many more requests the window can admit, never negative.
	Remaining int64

	// ResetAt is when the quota fully replenishes.
	ResetAt time.Time

	// RetryAfter is how long a rejected caller should wait, rounded up to
	// whole seconds. Zero on admitted requests.
	RetryAfter time.Duration
}

// Decision is the outcome of evaluating one request against a limiter.
type Decision struct {
	Allowed bool
	Scope   Scope
	Status  QuotaStatus

	key    string
	member string
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	// Allow evaluates one request. A non-nil error means the store could not
	// be consulted; the decision is then meaningless and the caller's failure
	// policy applies.
	Allow(ctx context.Context, key string) (Decision, error)

	// Refund un-counts a previously admitted request, used when the pipeline
	// is configured to skip successful or failed requests. Refunding a
	// rejected decision is a no-op.
	Refund(ctx context.Context, d Decision) error
}

// Config holds the immutable parameters for one limiter instance.
type Config struct {
	// Window is the quota window length.
	Window time.Duration `validate:"required,gt=0"`

	// Max is the inclusive request ceiling per window.
	Max int64 `validate:"required,gt=0"`

	// Burst is the per-second allowance for the burst/sustained composition.
	// Ignored by the single-window strategies.
	Burst int64 `validate:"omitempty,gt=0"`

	// StoreTimeout bounds each store round-trip. Defaults to DefaultStoreTimeout.
	StoreTimeout time.Duration `validate:"omitempty,gt=0"`
}

// Validate checks the config against its struct tags.
func (c Config) Validate() error {
	return validate.Struct(c)
}

func (c Config) storeTimeout() time.Duration {
	if c.StoreTimeout > 0 {
		return c.StoreTimeout
	}
	return DefaultStoreTimeout
}

// callContext derives the context for a store round-trip: bounded by the
// configured timeout but detached from the caller's cancellation, so an
// operation already in flight completes and keeps store state consistent.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// ceilSeconds rounds a duration up to whole seconds, minimum one second for
// any positive input.
func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}
