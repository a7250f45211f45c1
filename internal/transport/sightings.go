package transport

import (
	"context"
	"sync"
	"time"
)

// SightingCache deduplicates link-layer discoveries that arrive before an
// identity beacon is parsed, so one physical peer does not trigger repeated
// connection attempts. Entries are purged continuously, not just on lookup.
type SightingCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	cancel  context.CancelFunc
}

func NewSightingCache(ttl time.Duration) *SightingCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SightingCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Start launches the background purge sweep.
func (c *SightingCache) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go func() {
		ticker := time.NewTicker(c.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.purge(now)
			}
		}
	}()
}

func (c *SightingCache) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Observe records a sighting and reports whether it is new within the TTL.
func (c *SightingCache) Observe(linkAddr string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seenAt, ok := c.entries[linkAddr]; ok && now.Sub(seenAt) < c.ttl {
		return false
	}
	c.entries[linkAddr] = now
	return true
}

// Forget clears a sighting so the next observation of the address is treated
// as new, for example after the platform reports the link down.
func (c *SightingCache) Forget(linkAddr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, linkAddr)
}

func (c *SightingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SightingCache) purge(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, seenAt := range c.entries {
		if now.Sub(seenAt) >= c.ttl {
			delete(c.entries, addr)
		}
	}
}
