package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localGuard is a process-local token-bucket cache used by the
// StoreFailOpenLocal policy: when the shared store is unreachable, requests
// are still admitted, but at most at the guard's rate per key per process.
// It is an availability cap, not a correct distributed limit.
type localGuard struct {
	mu           sync.Mutex
	entries      map[string]*guardEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	stopCh       chan struct{}
}

type guardEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLocalGuard(rps float64, burst int) *localGuard {
	g := &localGuard{
		entries:      make(map[string]*guardEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		stopCh:       make(chan struct{}),
	}
	go g.janitor()
	return g
}

func (g *localGuard) allow(key string) bool {
	now := time.Now()

	g.mu.Lock()
	ent, ok := g.entries[key]
	if !ok {
		ent = &guardEntry{lim: rate.NewLimiter(g.rps, g.burst)}
		g.entries[key] = ent
	}
	ent.lastSeen = now
	g.mu.Unlock()

	return ent.lim.Allow()
}

func (g *localGuard) close() {
	close(g.stopCh)
}

func (g *localGuard) janitor() {
	ticker := time.NewTicker(g.cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-g.idleTTL)
			g.mu.Lock()
			for key, ent := range g.entries {
				if ent.lastSeen.Before(cutoff) {
					delete(g.entries, key)
				}
			}
			g.mu.Unlock()
		case <-g.stopCh:
			return
		}
	}
}
