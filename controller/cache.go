package controller

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/hupe1980/agentgraph/graph"
)

// CacheOptions configures a GraphCache.
type CacheOptions struct {
	// MaxEntries bounds the cache; the least recently used entry is evicted
	// first. Zero means unbounded.
	MaxEntries int
	// TTL is the lifetime of an entry. Zero disables expiry.
	TTL   time.Duration
	Clock func() time.Time

	metrics *metrics
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	HitRate     float64
}

type cacheEntry struct {
	graph     *graph.Compiled
	createdAt time.Time
}

// GraphCache keeps compiled graphs per session. Entries older than the TTL
// are removed on access and reported as misses; a stale graph is never
// returned. Safe for concurrent use.
type GraphCache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time

	hits, misses, evictions, expirations uint64
	expiring                             bool

	metrics *metrics
}

// NewGraphCache creates a GraphCache.
func NewGraphCache(optFns ...func(o *CacheOptions)) *GraphCache {
	opts := CacheOptions{MaxEntries: 128, TTL: 30 * time.Minute, Clock: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.metrics == nil {
		opts.metrics = newMetrics(nil)
	}

	c := &GraphCache{
		lru:     lru.New(opts.MaxEntries),
		ttl:     opts.TTL,
		now:     opts.Clock,
		metrics: opts.metrics,
	}
	c.lru.OnEvicted = func(lru.Key, interface{}) {
		// Removals for expiry are counted separately.
		if c.expiring {
			return
		}
		c.evictions++
		c.metrics.cacheEvents.WithLabelValues("eviction").Inc()
	}
	return c
}

// Get returns the graph cached for sessionID.
func (c *GraphCache) Get(sessionID string) (*graph.Compiled, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(sessionID)
	if !ok {
		c.miss()
		return nil, false
	}
	e := v.(cacheEntry)
	if c.ttl > 0 && c.now().Sub(e.createdAt) >= c.ttl {
		c.expiring = true
		c.lru.Remove(sessionID)
		c.expiring = false
		c.expirations++
		c.metrics.cacheEvents.WithLabelValues("expiration").Inc()
		c.miss()
		return nil, false
	}
	c.hits++
	c.metrics.cacheEvents.WithLabelValues("hit").Inc()
	return e.graph, true
}

// Put stores g for sessionID, replacing any previous entry.
func (c *GraphCache) Put(sessionID string, g *graph.Compiled) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Replacing a key must not count as an eviction.
	c.expiring = true
	c.lru.Remove(sessionID)
	c.expiring = false
	c.lru.Add(sessionID, cacheEntry{graph: g, createdAt: c.now()})
	c.metrics.cacheEntries.Set(float64(c.lru.Len()))
}

// Invalidate drops the entry for sessionID.
func (c *GraphCache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiring = true
	c.lru.Remove(sessionID)
	c.expiring = false
	c.metrics.cacheEntries.Set(float64(c.lru.Len()))
}

// Len returns the number of entries, including expired ones not yet touched.
func (c *GraphCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns the cache counters.
func (c *GraphCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CacheStats{
		Entries:     c.lru.Len(),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *GraphCache) miss() {
	c.misses++
	c.metrics.cacheEvents.WithLabelValues("miss").Inc()
	c.metrics.cacheEntries.Set(float64(c.lru.Len()))
}
