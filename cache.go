package shipz

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/metricz"
)

// DefaultCacheTTL is how long a quote response stays reusable.
const DefaultCacheTTL = 60 * time.Second

// Metric keys for the rate cache.
const (
	CacheHitsTotal      = metricz.Key("cache.hits.total")
	CacheMissesTotal    = metricz.Key("cache.misses.total")
	CacheEvictionsTotal = metricz.Key("cache.evictions.total")
	CacheEntries        = metricz.Key("cache.entries")
)

// RateCache stores quote responses for a short window. Implementations must
// be safe for concurrent use. Values are treated as immutable once stored.
type RateCache interface {
	Get(key string) (QuoteResponse, bool)
	Set(key string, value QuoteResponse, ttl time.Duration)
	SweepExpired() int
	Len() int
}

// CacheEntry is one stored response and its expiry.
type CacheEntry struct {
	ExpiresAt time.Time
	Key       string
	Value     QuoteResponse
}

// CacheKey builds the lookup key for a normalized destination, billable
// weight and cart subtotal. Locality is folded so spelling noise that the
// normalizer leaves alone cannot split the cache.
func CacheKey(a NormalizedAddress, weightGrams int, subtotalCents int64) string {
	return strings.Join([]string{
		a.Country,
		a.PostalCode,
		fold(a.State),
		fold(a.City),
		fmt.Sprintf("%dg", weightGrams),
		fmt.Sprintf("%dc", subtotalCents),
	}, "|")
}

// TTLCache is the in-process RateCache. It has no background goroutine:
// expired entries are dropped by SweepExpired, which callers invoke before
// lookups, and by Get when it meets one.
//
// Create one per process and inject it; nothing survives a restart.
type TTLCache struct {
	clock   clockz.Clock
	entries map[string]CacheEntry
	metrics *metricz.Registry
	mu      sync.RWMutex
}

// NewTTLCache creates an empty cache.
func NewTTLCache() *TTLCache {
	metrics := metricz.New()
	metrics.Counter(CacheHitsTotal)
	metrics.Counter(CacheMissesTotal)
	metrics.Counter(CacheEvictionsTotal)
	metrics.Gauge(CacheEntries)

	return &TTLCache{
		entries: make(map[string]CacheEntry),
		metrics: metrics,
	}
}

// WithClock sets a custom clock for testing.
func (c *TTLCache) WithClock(clock clockz.Clock) *TTLCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

func (c *TTLCache) getClock() clockz.Clock {
	if c.clock == nil {
		return clockz.RealClock
	}
	return c.clock
}

// Get returns the live entry for key.
func (c *TTLCache) Get(key string) (QuoteResponse, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	now := c.getClock().Now()
	c.mu.RUnlock()

	if !ok || !now.Before(entry.ExpiresAt) {
		c.metrics.Counter(CacheMissesTotal).Inc()
		return QuoteResponse{}, false
	}
	c.metrics.Counter(CacheHitsTotal).Inc()
	return entry.Value, true
}

// Set stores value under key for ttl, replacing any previous entry whole.
// A non-positive ttl falls back to DefaultCacheTTL.
func (c *TTLCache) Set(key string, value QuoteResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: c.getClock().Now().Add(ttl),
	}
	c.metrics.Gauge(CacheEntries).Set(float64(len(c.entries)))
}

// SweepExpired removes every expired entry and returns how many it dropped.
// Cost is linear in the number of entries.
func (c *TTLCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.getClock().Now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	for i := 0; i < removed; i++ {
		c.metrics.Counter(CacheEvictionsTotal).Inc()
	}
	c.metrics.Gauge(CacheEntries).Set(float64(len(c.entries)))
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Metrics returns the metrics registry for this cache.
func (c *TTLCache) Metrics() *metricz.Registry {
	return c.metrics
}
