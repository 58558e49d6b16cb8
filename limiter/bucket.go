package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/nhalm/admission/store"
)

// TokenBucket is the default strategy for general API quotas: a per-key
// bucket of Max tokens with linear refill over Window. Refill uses integer
// floor division, so tokens never drift and never go negative. State lives
// entirely in the store and expires after one full window of inactivity, at
// which point the bucket resets to full capacity.
type TokenBucket struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// NewTokenBucket creates a token bucket limiter over the given store.
func NewTokenBucket(st store.Store, cfg Config) (*TokenBucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token bucket config: %w", err)
	}
	return &TokenBucket{store: st, cfg: cfg, now: time.Now}, nil
}

// Allow consumes one token for key if available. The store performs the whole
// read-refill-decrement cycle atomically; concurrent callers for the same key
// serialize there, never in this process.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := b.now()

	callCtx, cancel := callContext(ctx, b.cfg.storeTimeout())
	defer cancel()

	res, err := b.store.ConsumeToken(callCtx, key, b.cfg.Max, b.cfg.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %q: %w", key, err)
	}

	d := Decision{
		Allowed: res.Allowed,
		key:     key,
		Status: QuotaStatus{
			Limit:     b.cfg.Max,
			Remaining: max(0, res.Remaining),
			ResetAt:   res.ResetAt,
		},
	}
	if !res.Allowed {
		d.Status.RetryAfter = ceilSeconds(res.ResetAt.Sub(now))
	}
	return d, nil
}

// Refund returns the consumed token to the bucket.
func (b *TokenBucket) Refund(ctx context.Context, d Decision) error {
	if !d.Allowed || d.key == "" {
		return nil
	}

	callCtx, cancel := callContext(ctx, b.cfg.storeTimeout())
	defer cancel()

	if err := b.store.ReturnToken(callCtx, d.key, b.cfg.Max); err != nil {
		return fmt.Errorf("token bucket refund %q: %w", d.key, err)
	}
	return nil
}
