package netcore

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultCacheCapacity bounds the response cache when no capacity is given.
const DefaultCacheCapacity = 100

// CacheEntry is a stored value with its freshness bookkeeping.
type CacheEntry struct {
	Key      string
	Value    any
	Tier     CacheTier
	StoredAt time.Time
	TTL      time.Duration
	HitCount int
}

func (e *CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.StoredAt) >= e.TTL
}

// TierTTLs holds the duration of each cache tier.
type TierTTLs struct {
	Short    time.Duration
	Medium   time.Duration
	Long     time.Duration
	VeryLong time.Duration
}

// DefaultTierTTLs returns 30s, 5m, 30m and 24h.
func DefaultTierTTLs() TierTTLs {
	return TierTTLs{
		Short:    ShortTTL,
		Medium:   MediumTTL,
		Long:     LongTTL,
		VeryLong: VeryLongTTL,
	}
}

// TTL returns the duration for tier. TierDefault maps to Medium.
func (t TierTTLs) TTL(tier CacheTier) time.Duration {
	switch tier {
	case TierShort:
		return t.Short
	case TierLong:
		return t.Long
	case TierVeryLong:
		return t.VeryLong
	default:
		return t.Medium
	}
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64 // Live entries removed to make room, at most one per Set
	Expirations uint64 // Expired entries dropped on access or by a sweep
	Size        int
	Capacity    int
}

// CacheOption configures a ResponseCache.
type CacheOption func(*ResponseCache)

// WithCacheCapacity sets the maximum number of entries.
func WithCacheCapacity(n int) CacheOption {
	return func(c *ResponseCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithTierTTLs overrides tier durations. Zero fields keep their defaults.
func WithTierTTLs(ttls TierTTLs) CacheOption {
	return func(c *ResponseCache) {
		if ttls.Short > 0 {
			c.ttls.Short = ttls.Short
		}
		if ttls.Medium > 0 {
			c.ttls.Medium = ttls.Medium
		}
		if ttls.Long > 0 {
			c.ttls.Long = ttls.Long
		}
		if ttls.VeryLong > 0 {
			c.ttls.VeryLong = ttls.VeryLong
		}
	}
}

// WithCacheMetrics attaches a metrics collector.
func WithCacheMetrics(mc *MetricsCollector) CacheOption {
	return func(c *ResponseCache) {
		c.metrics = mc
	}
}

// WithCacheLogger attaches a logger.
func WithCacheLogger(l Logger) CacheOption {
	return func(c *ResponseCache) {
		c.logger = loggerOrNop(l)
	}
}

func withCacheClock(now func() time.Time) CacheOption {
	return func(c *ResponseCache) {
		c.now = now
	}
}

// ResponseCache is a bounded in-memory key/value cache with tiered TTLs.
// When full, inserting a new key evicts the entry with the smallest
// (StoredAt, HitCount). It never performs I/O.
type ResponseCache struct {
	mu       sync.Mutex
	entries  map[string]*CacheEntry
	capacity int
	ttls     TierTTLs
	now      func() time.Time
	stats    CacheStats
	metrics  *MetricsCollector
	logger   Logger
}

// NewResponseCache creates an empty cache.
func NewResponseCache(opts ...CacheOption) *ResponseCache {
	c := &ResponseCache{
		entries:  make(map[string]*CacheEntry),
		capacity: DefaultCacheCapacity,
		ttls:     DefaultTierTTLs(),
		now:      time.Now,
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key if present and fresh. A hit increments the
// entry's HitCount; expired entries are dropped.
func (c *ResponseCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.metrics.RecordCacheMiss()
		return nil, false
	}
	if entry.expired(c.now()) {
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Expirations++
		c.metrics.RecordCacheMiss()
		c.metrics.RecordCacheSize(len(c.entries))
		return nil, false
	}

	entry.HitCount++
	c.stats.Hits++
	c.metrics.RecordCacheHit(entry.Tier)
	return entry.Value, true
}

// Peek returns a copy of the entry for key without counting a hit or
// checking freshness.
func (c *ResponseCache) Peek(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	return *entry, true
}

// Set stores value under key with the tier's TTL.
func (c *ResponseCache) Set(key string, value any, tier CacheTier) {
	c.set(key, value, tier, c.ttls.TTL(tier))
}

// SetWithTTL stores value with an explicit duration. A non-positive ttl
// stores nothing.
func (c *ResponseCache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.set(key, value, TierDefault, ttl)
}

func (c *ResponseCache) set(key string, value any, tier CacheTier, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.sweepLocked(now)
		if len(c.entries) >= c.capacity {
			c.evictLocked()
		}
	}

	c.entries[key] = &CacheEntry{
		Key:      key,
		Value:    value,
		Tier:     tier,
		StoredAt: now,
		TTL:      ttl,
	}
	c.metrics.RecordCacheSize(len(c.entries))
}

// evictLocked removes exactly one entry: smallest StoredAt, ties broken by
// smallest HitCount, then by key for determinism.
func (c *ResponseCache) evictLocked() {
	var victim *CacheEntry
	for _, e := range c.entries {
		if victim == nil || lessForEviction(e, victim) {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	delete(c.entries, victim.Key)
	c.stats.Evictions++
	c.metrics.RecordCacheEviction()
	c.logger.Debug("cache eviction", "key", victim.Key, "hits", victim.HitCount)
}

func lessForEviction(a, b *CacheEntry) bool {
	if !a.StoredAt.Equal(b.StoredAt) {
		return a.StoredAt.Before(b.StoredAt)
	}
	if a.HitCount != b.HitCount {
		return a.HitCount < b.HitCount
	}
	return a.Key < b.Key
}

// Invalidate removes every key containing pattern and reports how many were
// removed. An empty pattern matches every key.
func (c *ResponseCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if strings.Contains(key, pattern) {
			delete(c.entries, key)
			n++
		}
	}
	if n > 0 {
		c.metrics.RecordCacheSize(len(c.entries))
		c.logger.Debug("cache invalidated", "pattern", pattern, "removed", n)
	}
	return n
}

// Sweep drops all expired entries and reports how many were removed.
func (c *ResponseCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.sweepLocked(c.now())
	if n > 0 {
		c.metrics.RecordCacheSize(len(c.entries))
	}
	return n
}

func (c *ResponseCache) sweepLocked(now time.Time) int {
	n := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			n++
		}
	}
	c.stats.Expirations += uint64(n)
	return n
}

// Clear removes everything.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*CacheEntry)
	c.mu.Unlock()
	c.metrics.RecordCacheSize(0)
}

// Len reports the number of stored entries, fresh or not yet swept.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the stored keys in sorted order.
func (c *ResponseCache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Stats returns a snapshot of the counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	s.Capacity = c.capacity
	return s
}

// TierTTLs returns the configured tier durations.
func (c *ResponseCache) TierTTLs() TierTTLs {
	return c.ttls
}
