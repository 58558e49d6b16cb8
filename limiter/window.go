package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nhalm/admission/store"
)

// SlidingWindow keeps a timestamped log of admitted requests per key and
// counts exactly those inside the trailing window. Unlike a fixed window it
// cannot admit a double burst across a boundary, at the cost of O(log n)
// store work per request. Use it for low-volume, high-sensitivity endpoints
// such as authentication attempts.
type SlidingWindow struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// NewSlidingWindow creates a sliding-window log limiter over the given store.
func NewSlidingWindow(st store.Store, cfg Config) (*SlidingWindow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sliding window config: %w", err)
	}
	return &SlidingWindow{store: st, cfg: cfg, now: time.Now}, nil
}

// Allow prunes entries older than the window, counts the survivors, and
// records this request if the count is below Max. Prune, count, and add run
// as one atomic store operation.
func (w *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := w.now()
	member := uuid.NewString()

	callCtx, cancel := callContext(ctx, w.cfg.storeTimeout())
	defer cancel()

	res, err := w.store.LogAndCount(callCtx, key, member, w.cfg.Max, w.cfg.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window %q: %w", key, err)
	}

	d := Decision{
		Allowed: res.Allowed,
		key:     key,
		Status: QuotaStatus{
			Limit:     w.cfg.Max,
			Remaining: max(0, res.Remaining),
		},
	}
	if res.Allowed {
		d.member = member
		d.Status.ResetAt = now.Add(w.cfg.Window)
	} else {
		retry := ceilSeconds(res.RetryAfter)
		if retry <= 0 {
			retry = ceilSeconds(w.cfg.Window)
		}
		d.Status.RetryAfter = retry
		d.Status.ResetAt = now.Add(retry)
	}
	return d, nil
}

// Refund removes this request's entry from the log.
func (w *SlidingWindow) Refund(ctx context.Context, d Decision) error {
	if !d.Allowed || d.member == "" {
		return nil
	}

	callCtx, cancel := callContext(ctx, w.cfg.storeTimeout())
	defer cancel()

	if err := w.store.RemoveLogEntry(callCtx, d.key, d.member); err != nil {
		return fmt.Errorf("sliding window refund %q: %w", d.key, err)
	}
	return nil
}
