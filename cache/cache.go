// Package cache implements the server-side instance cache: a bounded LRU that
// owns the lifetime of service instances keyed by their constructor arguments.
//
// All operations are O(1) amortized: a map provides lookup and a doubly-linked
// list maintains recency order, so eviction never scans the whole cache.
// Entries checked out by an in-flight call are pinned and never evicted;
// eviction falls through to the least-recently-used idle entry instead.
package cache

import (
	"container/list"
	"fmt"
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Teardown is invoked on an instance when the cache drops its last reference,
// so resources held by a service instance (files, sockets, buffers) are
// released deterministically rather than left to the garbage collector.
type Teardown func(key string, instance any)

// CloseTeardown is the default hook: instances implementing io.Closer are
// closed, everything else is simply dropped.
func CloseTeardown(_ string, instance any) {
	if c, ok := instance.(io.Closer); ok {
		c.Close()
	}
}

type entry struct {
	key      string
	instance any
	pins     int  // in-flight calls holding this instance; >0 blocks eviction
	dead     bool // torn down already (evicted or purged)
}

// Cache is a pin-aware LRU. A single internal mutex serializes every
// read+mutate sequence, since recency-order mutation is not safe under
// concurrent unsynchronized access.
type Cache struct {
	mu       sync.Mutex
	capacity int
	teardown Teardown

	ll    *list.List // front = most recently used
	items map[string]*list.Element

	hits      *metrics.Counter
	misses    *metrics.Counter
	evictions *metrics.Counter
}

// New creates a cache bound to capacity entries. Capacity 0 degenerates to
// "always construct, never cache": every GetOrCreate builds a fresh instance
// and tears it down on release. A nil teardown defaults to CloseTeardown.
// The name tags the cache's metrics; it is conventionally the service name.
func New(name string, capacity int, teardown Teardown) *Cache {
	if capacity < 0 {
		capacity = 0
	}
	if teardown == nil {
		teardown = CloseTeardown
	}
	return &Cache{
		capacity:  capacity,
		teardown:  teardown,
		ll:        list.New(),
		items:     make(map[string]*list.Element),
		hits:      metrics.GetOrCreateCounter(fmt.Sprintf(`metabridge_cache_hits_total{cache=%q}`, name)),
		misses:    metrics.GetOrCreateCounter(fmt.Sprintf(`metabridge_cache_misses_total{cache=%q}`, name)),
		evictions: metrics.GetOrCreateCounter(fmt.Sprintf(`metabridge_cache_evictions_total{cache=%q}`, name)),
	}
}

// GetOrCreate returns the cached instance for key, constructing one via
// factory on a miss. The returned instance is pinned until release is called;
// release must be called exactly once on every success path (it is idempotent
// as a safety net). The factory runs outside the recency structures but under
// the cache lock, keeping the "at most one instance per key" guarantee simple;
// constructors are expected to be cheap relative to the calls they serve.
func (c *Cache) GetOrCreate(key string, factory func() (any, error)) (any, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.hits.Inc()
		c.ll.MoveToFront(el)
		ent := el.Value.(*entry)
		ent.pins++
		return ent.instance, c.releaseFunc(ent), nil
	}

	c.misses.Inc()
	instance, err := factory()
	if err != nil {
		return nil, nil, err
	}

	ent := &entry{key: key, instance: instance, pins: 1}

	if c.capacity == 0 {
		// Never cached: the release hook is the entry's entire lifetime.
		return instance, c.releaseFunc(ent), nil
	}

	c.items[key] = c.ll.PushFront(ent)
	c.evictOverCapacity()
	return instance, c.releaseFunc(ent), nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Contains reports whether key is currently cached, without touching recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Purge tears down and removes every entry, pinned or not. Intended for
// server shutdown, after the dispatch loop has drained.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Back(); el != nil; el = c.ll.Back() {
		ent := c.ll.Remove(el).(*entry)
		delete(c.items, ent.key)
		ent.dead = true
		c.teardown(ent.key, ent.instance)
	}
}

// releaseFunc builds the unpin closure for ent. Idempotent via the done flag.
// Must be called with c.mu held; the closure takes the lock itself.
func (c *Cache) releaseFunc(ent *entry) func() {
	done := false
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if done {
			return
		}
		done = true
		ent.pins--
		if ent.pins > 0 {
			return
		}
		// Entries that never entered the cache (capacity 0) die with
		// their last pin. Entries already torn down by Purge are not
		// torn down twice.
		if _, cached := c.items[ent.key]; !cached && !ent.dead {
			ent.dead = true
			c.teardown(ent.key, ent.instance)
		}
	}
}

// evictOverCapacity walks from the LRU end, skipping pinned entries, until the
// cache is back within capacity. If every entry is pinned the cache stays
// temporarily over capacity; evicting an instance mid-call is never an option.
// Caller holds c.mu.
func (c *Cache) evictOverCapacity() {
	for c.ll.Len() > c.capacity {
		var victim *list.Element
		for el := c.ll.Back(); el != nil; el = el.Prev() {
			if el.Value.(*entry).pins == 0 {
				victim = el
				break
			}
		}
		if victim == nil {
			return
		}
		ent := c.ll.Remove(victim).(*entry)
		delete(c.items, ent.key)
		ent.dead = true
		c.evictions.Inc()
		c.teardown(ent.key, ent.instance)
	}
}
