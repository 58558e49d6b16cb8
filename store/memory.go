package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type bucketEntry struct {
	tokens     int64
	refilled   time.Time
	expiration time.Time
}

type logEntry struct {
	member string
	at     time.Time
}

type windowLog struct {
	entries    []logEntry // sorted by at, ascending
	expiration time.Time
}

// Memory is an in-memory implementation of Store using maps with mutex protection.
// The single write lock makes each compound operation atomic, mirroring the
// serialization the Redis store gets from server-side Lua.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// In Kubernetes or any multi-instance environment, each instance maintains its own
// separate in-memory state, meaning rate limits are NOT shared across instances.
// This can allow clients to exceed the intended rate limit by distributing requests
// across multiple instances.
//
// Use Memory only for:
//   - Local development and testing
//   - Single-instance deployments where horizontal scaling is not needed
//
// For production distributed systems, use the Redis store instead.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucketEntry
	logs    map[string]*windowLog
	stopCh  chan struct{}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired entries.
// A background goroutine runs every minute to remove expired entries and prevent
// unbounded memory growth.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
// Failing to call Close() will result in a goroutine leak.
func NewMemory() *Memory {
	m := &Memory{
		buckets: make(map[string]*bucketEntry),
		logs:    make(map[string]*windowLog),
		stopCh:  make(chan struct{}),
	}

	go m.cleanup()
	return m
}

// ConsumeToken atomically refills and consumes from the token bucket at key.
// Absent or expired state starts as a full bucket.
func (m *Memory) ConsumeToken(_ context.Context, key string, max int64, window time.Duration, now time.Time) (TokenResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.buckets[key]
	if !exists || now.After(entry.expiration) {
		entry = &bucketEntry{tokens: max, refilled: now}
		m.buckets[key] = entry
	}

	elapsed := now.Sub(entry.refilled)
	if elapsed < 0 {
		elapsed = 0
	}
	refill := elapsed.Milliseconds() * max / window.Milliseconds()
	entry.tokens = min(max, entry.tokens+refill)

	allowed := entry.tokens > 0
	if allowed {
		entry.tokens--
	}
	entry.refilled = now
	entry.expiration = now.Add(window)

	return TokenResult{
		Allowed:   allowed,
		Remaining: entry.tokens,
		ResetAt:   now.Add(window),
	}, nil
}

// LogAndCount atomically prunes, counts, and conditionally appends to the
// sliding-window log at key.
func (m *Memory) LogAndCount(_ context.Context, key, member string, max int64, window time.Duration, now time.Time) (LogResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lg, exists := m.logs[key]
	if !exists || now.After(lg.expiration) {
		lg = &windowLog{}
		m.logs[key] = lg
	}

	// Entries exactly one window old are still inside the window.
	cutoff := now.Add(-window)
	idx := sort.Search(len(lg.entries), func(i int) bool {
		return !lg.entries[i].at.Before(cutoff)
	})
	lg.entries = lg.entries[idx:]

	count := int64(len(lg.entries))
	if count < max {
		lg.entries = append(lg.entries, logEntry{member: member, at: now})
		lg.expiration = now.Add(window)
		return LogResult{Allowed: true, Remaining: max - count - 1}, nil
	}

	retry := window
	if len(lg.entries) > 0 {
		retry = lg.entries[0].at.Add(window).Sub(now)
	}
	return LogResult{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
}

// ReturnToken gives one token back to the bucket at key, capped at max.
func (m *Memory) ReturnToken(_ context.Context, key string, max int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.buckets[key]
	if !exists {
		return nil
	}
	if entry.tokens < max {
		entry.tokens++
	}
	return nil
}

// RemoveLogEntry removes a recorded member from the window log at key.
func (m *Memory) RemoveLogEntry(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lg, exists := m.logs[key]
	if !exists {
		return nil
	}
	for i, e := range lg.entries {
		if e.member == member {
			lg.entries = append(lg.entries[:i], lg.entries[i+1:]...)
			break
		}
	}
	return nil
}

// Get retrieves the current value for the given key without mutating it:
// tokens remaining for a bucket key, entry count for a window-log key.
// Returns 0 if the key doesn't exist or has expired.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if entry, exists := m.buckets[key]; exists && !now.After(entry.expiration) {
		return entry.tokens, nil
	}
	if lg, exists := m.logs[key]; exists && !now.After(lg.expiration) {
		return int64(len(lg.entries)), nil
	}
	return 0, nil
}

// Reset removes all state for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buckets, key)
	delete(m.logs, key)
	return nil
}

// Close stops the background cleanup goroutine. Operations after Close keep
// working; their entries are simply no longer cleaned up.
func (m *Memory) Close() error {
	close(m.stopCh)
	return nil
}

// runCleanup executes a single cleanup cycle, removing all expired entries.
// This is exposed for testing purposes to trigger cleanup without waiting for the ticker.
func (m *Memory) runCleanup() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.buckets {
		if now.After(entry.expiration) {
			delete(m.buckets, key)
		}
	}
	for key, lg := range m.logs {
		if now.After(lg.expiration) {
			delete(m.logs, key)
		}
	}
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
