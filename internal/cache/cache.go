// Package cache is a small TTL read-through cache keyed by string. Concurrent
// misses on the same key share one load.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache holds values for TTL after they are stored.
type Cache[V any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry[V]
	gen     map[string]uint64 // bumped by Invalidate; stale loads are not stored
	loading map[string]int    // callers inside GetOrLoad per key

	group singleflight.Group
}

type Option[V any] func(*Cache[V])

// WithClock replaces time.Now, for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

func New[V any](ttl time.Duration, opts ...Option[V]) *Cache[V] {
	c := &Cache[V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry[V]),
		gen:     make(map[string]uint64),
		loading: make(map[string]int),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the value for key if it was stored less than TTL ago.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Set(key string, v V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: v, storedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate drops key. A load already running for key still returns its
// value to its callers but does not repopulate the cache.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen[key]++
	c.mu.Unlock()
}

// GetOrLoad returns the cached value for key or calls load once for all
// concurrent callers of the same key. cached reports a hit. Errors are not
// cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (v V, cached bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	c.mu.Lock()
	g := c.gen[key]
	c.loading[key]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.loading[key]--; c.loading[key] <= 0 {
			delete(c.loading, key)
		}
		c.mu.Unlock()
	}()

	res, err, _ := c.group.Do(key+"#"+strconv.FormatUint(g, 10), func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.mu.Lock()
		if c.gen[key] == g {
			c.entries[key] = entry[V]{value: v, storedAt: c.now()}
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, _ = res.(V)
	return v, false, nil
}

// Sweep removes expired entries and returns how many were dropped.
// Invalidation generations of keys with no entry and no load in flight are
// forgotten as well.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	for k := range c.gen {
		if _, ok := c.entries[k]; !ok && c.loading[k] == 0 {
			delete(c.gen, k)
		}
	}
	return n
}
