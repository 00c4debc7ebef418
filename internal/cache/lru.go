package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUWithTTL is a size-bounded, thread-safe cache whose entries expire after a fixed TTL.
type LRUWithTTL[K comparable, V any] struct {
	cache *lru.Cache[K, ttlEntry[V]]
	ttl   time.Duration
	now   func() time.Time

	// loadMu serializes GetOrLoad so concurrent misses share one load
	loadMu sync.Mutex

	hits    atomic.Uint64
	misses  atomic.Uint64
	evicted atomic.Uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLRUWithTTL creates a new LRU cache with TTL.
//
// Args:
//   - size: Maximum number of entries (LRU eviction when full)
//   - ttl: Time-to-live for entries (0 means no expiration)
//
// Returns:
//   - *LRUWithTTL or error if size is invalid
func NewLRUWithTTL[K comparable, V any](size int, ttl time.Duration) (*LRUWithTTL[K, V], error) {
	c := &LRUWithTTL[K, V]{ttl: ttl, now: time.Now}

	cache, err := lru.NewWithEvict[K, ttlEntry[V]](size, func(K, ttlEntry[V]) {
		c.evicted.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache
	return c, nil
}

// Get returns the value for key if present and not expired
func (c *LRUWithTTL[K, V]) Get(key K) (V, bool) {
	entry, ok := c.cache.Get(key)
	if ok && c.ttl > 0 && !c.now().Before(entry.expiresAt) {
		c.cache.Remove(key)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	return entry.value, true
}

// Set stores value under key, evicting the least recently used entry when full
func (c *LRUWithTTL[K, V]) Set(key K, value V) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	c.cache.Add(key, ttlEntry[V]{value: value, expiresAt: expiresAt})
}

// GetOrLoad returns the cached value for key or stores the result of load.
// A failed load is not cached.
func (c *LRUWithTTL[K, V]) GetOrLoad(key K, load func() (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	// Another caller may have filled it while we waited
	if entry, ok := c.cache.Peek(key); ok && (c.ttl == 0 || c.now().Before(entry.expiresAt)) {
		return entry.value, true, nil
	}

	v, err := load()
	if err != nil {
		var zero V
		return zero, false, err
	}
	c.Set(key, v)
	return v, false, nil
}

// Delete removes a key from the cache
func (c *LRUWithTTL[K, V]) Delete(key K) {
	c.cache.Remove(key)
}

// Len returns the number of entries in the cache, expired ones included
func (c *LRUWithTTL[K, V]) Len() int {
	return c.cache.Len()
}

// Stats returns cache statistics for observability.
// Evicted counts entries dropped for any reason: capacity, expiry or Delete.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current cache statistics.
func (c *LRUWithTTL[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()

	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:    hits,
		Misses:  misses,
		Evicted: c.evicted.Load(),
		Size:    c.cache.Len(),
		HitRate: hitRate,
	}
}
