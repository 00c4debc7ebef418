package traffic

import (
	"context"
	"fmt"
	"time"

	"github.com/regionplacer/placer/internal/cache"
)

const cacheKey = "counts"

// Cached serves repeated Collect calls within ttl from memory
type Cached struct {
	next  Collector
	cache *cache.LRUWithTTL[string, map[string]float64]
}

// NewCached wraps next. size <= 0 defaults to 16 entries.
func NewCached(next Collector, size int, ttl time.Duration) (*Cached, error) {
	if size <= 0 {
		size = 16
	}
	c, err := cache.NewLRUWithTTL[string, map[string]float64](size, ttl)
	if err != nil {
		return nil, fmt.Errorf("traffic cache: %w", err)
	}
	return &Cached{next: next, cache: c}, nil
}

// Collect returns a copy of the cached counts, loading them from the wrapped collector when stale
func (c *Cached) Collect(ctx context.Context) (map[string]float64, error) {
	counts, _, err := c.cache.GetOrLoad(cacheKey, func() (map[string]float64, error) {
		return c.next.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return copyCounts(counts), nil
}

// Invalidate drops the cached counts
func (c *Cached) Invalidate() {
	c.cache.Delete(cacheKey)
}

// Stats exposes the cache statistics
func (c *Cached) Stats() cache.Stats {
	return c.cache.Stats()
}
