package chain

import (
	"context"
	"sync"
	"time"
)

// HeadCache caches BlockNumber of the wrapped client for ttl. Loops that
// read the head once per block, such as the bookkeeper, use it to avoid a
// head request per step.
type HeadCache struct {
	EVM
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	cached   uint64
	cachedAt time.Time
}

// NewHeadCache wraps client with a head cache.
func NewHeadCache(client EVM, ttl time.Duration) *HeadCache {
	return &HeadCache{
		EVM: client,
		ttl: ttl,
		now: time.Now,
	}
}

// BlockNumber returns the cached chain head if within TTL, otherwise fetches fresh.
func (c *HeadCache) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if c.now().Sub(c.cachedAt) < c.ttl && c.cached > 0 {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	head, err := c.EVM.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cached = head
	c.cachedAt = c.now()
	c.mu.Unlock()

	return head, nil
}

// Invalidate clears the cache, forcing the next call to fetch fresh data.
func (c *HeadCache) Invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}
