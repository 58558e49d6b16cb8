package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryConsumeToken(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	now := time.Now()

	for i := int64(0); i < 5; i++ {
		res, err := m.ConsumeToken(ctx, "k", 5, time.Minute, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: expected allowed", i+1)
		}
		if want := 4 - i; res.Remaining != want {
			t.Errorf("call %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res, err := m.ConsumeToken(ctx, "k", 5, time.Minute, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("6th call: expected rejection")
	}
	if res.Remaining != 0 {
		t.Errorf("6th call: remaining = %d, want 0", res.Remaining)
	}
}

func TestMemoryConsumeTokenRefill(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	now := time.Now()

	// Drain the bucket.
	for i := 0; i < 5; i++ {
		if _, err := m.ConsumeToken(ctx, "k", 5, time.Minute, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	t.Run("partial refill", func(t *testing.T) {
		// 24s of a 60s window with max 5 refills floor(24*5/60) = 2 tokens.
		res, err := m.ConsumeToken(ctx, "k", 5, time.Minute, now.Add(24*time.Second))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatal("expected allowed after partial refill")
		}
		if res.Remaining != 1 {
			t.Errorf("remaining = %d, want 1", res.Remaining)
		}
	})

	t.Run("full window resets to capacity", func(t *testing.T) {
		res, err := m.ConsumeToken(ctx, "k2", 5, time.Minute, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatal("expected allowed")
		}

		res, err = m.ConsumeToken(ctx, "k2", 5, time.Minute, now.Add(61*time.Second))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatal("expected allowed after full window")
		}
		if res.Remaining != 4 {
			t.Errorf("remaining = %d, want 4", res.Remaining)
		}
	})

	t.Run("refill never exceeds max", func(t *testing.T) {
		res, err := m.ConsumeToken(ctx, "k3", 5, time.Minute, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		res, err = m.ConsumeToken(ctx, "k3", 5, time.Minute, now.Add(10*time.Minute))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Remaining != 4 {
			t.Errorf("remaining = %d, want 4 (capped at max)", res.Remaining)
		}
	})
}

func TestMemoryConsumeTokenRejectionAdvancesClock(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	now := time.Now()

	if _, err := m.ConsumeToken(ctx, "k", 1, time.Minute, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Rejected at t+30s: refill floor(30*1/60) = 0, but lastRefill advances.
	res, err := m.ConsumeToken(ctx, "k", 1, time.Minute, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected rejection")
	}

	// Another 30s is again only half a window from the advanced clock.
	res, err = m.ConsumeToken(ctx, "k", 1, time.Minute, now.Add(60*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected rejection: refill clock was advanced on rejection")
	}
}

func TestMemoryLogAndCount(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	now := time.Now()

	for i := int64(0); i < 3; i++ {
		res, err := m.LogAndCount(ctx, "k", fmt.Sprintf("m%d", i), 3, time.Minute, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: expected allowed", i+1)
		}
		if want := 2 - i; res.Remaining != want {
			t.Errorf("call %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res, err := m.LogAndCount(ctx, "k", "m3", 3, time.Minute, now.Add(3*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("4th call inside window: expected rejection")
	}
	// Oldest entry is at t0; it leaves the window at t0+60s, we are at t0+3s.
	if res.RetryAfter != 57*time.Second {
		t.Errorf("retry after = %v, want 57s", res.RetryAfter)
	}

	// Just past the oldest entry's expiry the next request is admitted.
	res, err = m.LogAndCount(ctx, "k", "m4", 3, time.Minute, now.Add(61*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected admission after oldest entry left the window")
	}
}

func TestMemoryReturnToken(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	now := time.Now()

	if err := m.ReturnToken(ctx, "missing", 5); err != nil {
		t.Fatalf("refund on missing key: %v", err)
	}

	if _, err := m.ConsumeToken(ctx, "k", 5, time.Minute, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.ReturnToken(ctx, "k", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 5 {
		t.Errorf("tokens after refund = %d, want 5", val)
	}

	// Refund never exceeds max.
	if err := m.ReturnToken(ctx, "k", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	val, _ = m.Get(ctx, "k")
	if val != 5 {
		t.Errorf("tokens after second refund = %d, want 5", val)
	}
}

func TestMemoryRemoveLogEntry(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	now := time.Now()

	if _, err := m.LogAndCount(ctx, "k", "m0", 3, time.Minute, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.LogAndCount(ctx, "k", "m1", 3, time.Minute, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.RemoveLogEntry(ctx, "k", "m0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 1 {
		t.Errorf("log size after removal = %d, want 1", val)
	}
}

func TestMemoryReset(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	now := time.Now()

	if _, err := m.ConsumeToken(ctx, "k", 1, time.Minute, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Reset(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.ConsumeToken(ctx, "k", 1, time.Minute, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Error("expected fresh bucket after reset")
	}
}

// TestMemoryConcurrentConsume is the regression test for the atomicity
// requirement: N concurrent consumers on a fresh key with max=M admit
// exactly M and reject N-M.
func TestMemoryConcurrentConsume(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	const (
		workers = 100
		limit   = 10
	)

	ctx := context.Background()
	now := time.Now()

	var admitted atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.ConsumeToken(ctx, "shared", limit, time.Minute, now)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Errorf("admitted %d of %d concurrent requests, want exactly %d", got, workers, limit)
	}
}

func TestMemoryConcurrentLogAndCount(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	const (
		workers = 50
		limit   = 7
	)

	ctx := context.Background()
	now := time.Now()

	var admitted atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := m.LogAndCount(ctx, "shared", fmt.Sprintf("m%d", n), limit, time.Minute, now)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Allowed {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Errorf("admitted %d of %d concurrent requests, want exactly %d", got, workers, limit)
	}
}

// TestMemoryOperationsAfterClose covers requests already in flight when the
// store shuts down: they must complete, not panic.
func TestMemoryOperationsAfterClose(t *testing.T) {
	m := NewMemory()

	ctx := context.Background()
	now := time.Now()

	if _, err := m.ConsumeToken(ctx, "k", 5, time.Minute, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.ConsumeToken(ctx, "k", 5, time.Minute, now)
	if err != nil {
		t.Fatalf("consume after close: %v", err)
	}
	if !res.Allowed {
		t.Error("expected admission after close")
	}
	if _, err := m.LogAndCount(ctx, "log", "m0", 5, time.Minute, now); err != nil {
		t.Fatalf("log after close: %v", err)
	}
	if err := m.ReturnToken(ctx, "k", 5); err != nil {
		t.Fatalf("refund after close: %v", err)
	}
}

func TestMemoryCleanup(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	ctx := context.Background()
	past := time.Now().Add(-2 * time.Minute)

	if _, err := m.ConsumeToken(ctx, "old", 5, time.Minute, past); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.LogAndCount(ctx, "oldlog", "m0", 5, time.Minute, past); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.runCleanup()

	m.mu.Lock()
	_, bucketExists := m.buckets["old"]
	_, logExists := m.logs["oldlog"]
	m.mu.Unlock()

	if bucketExists {
		t.Error("expected expired bucket to be cleaned up")
	}
	if logExists {
		t.Error("expected expired log to be cleaned up")
	}
}
