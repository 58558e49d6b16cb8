package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/nhalm/admission/store"
)

// burstWindow is the fixed short window for the burst gate.
const burstWindow = time.Second

// BurstSustained composes two token buckets so both must admit: a one-second
// bucket of Burst tokens keyed at <key>:burst, then the sustained bucket of
// Max tokens over the full Window. The two gates hold independent state; the
// composition models a smooth sustained rate with a short allowance for
// spikes, and its rejections say which gate tripped.
type BurstSustained struct {
	burst     *TokenBucket
	sustained *TokenBucket
}

// NewBurstSustained creates a burst/sustained limiter. cfg.Max is the
// sustained ceiling over cfg.Window; cfg.Burst is the per-second spike
// allowance and must be set.
func NewBurstSustained(st store.Store, cfg Config) (*BurstSustained, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid burst/sustained config: %w", err)
	}
	if cfg.Burst <= 0 {
		return nil, fmt.Errorf("invalid burst/sustained config: burst must be positive")
	}

	burst, err := NewTokenBucket(st, Config{
		Window:       burstWindow,
		Max:          cfg.Burst,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		return nil, err
	}
	sustained, err := NewTokenBucket(st, Config{
		Window:       cfg.Window,
		Max:          cfg.Max,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &BurstSustained{burst: burst, sustained: sustained}, nil
}

// Allow evaluates the burst gate first and short-circuits on its rejection;
// only then does the sustained gate get the final word.
func (l *BurstSustained) Allow(ctx context.Context, key string) (Decision, error) {
	bd, err := l.burst.Allow(ctx, key+":burst")
	if err != nil {
		return Decision{}, err
	}
	if !bd.Allowed {
		bd.Scope = ScopeBurst
		bd.key = key
		return bd, nil
	}

	sd, err := l.sustained.Allow(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	sd.Scope = ScopeSustained
	return sd, nil
}

// Refund returns tokens to both gates.
func (l *BurstSustained) Refund(ctx context.Context, d Decision) error {
	if !d.Allowed || d.key == "" {
		return nil
	}
	burstErr := l.burst.Refund(ctx, Decision{Allowed: true, key: d.key + ":burst"})
	if err := l.sustained.Refund(ctx, d); err != nil {
		return err
	}
	return burstErr
}
