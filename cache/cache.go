// Package cache implements the TTL Cache Layer: a uniform key→(value,
// timestamp) store keyed by category, each category carrying its own TTL and
// the last-known-good value surviving past TTL expiry for degraded serving
// when the Request Coordinator rejects a live call.
package cache

import (
	"sync"
	"time"
)

// Category is a cache partition with its own TTL.
type Category string

const (
	CategoryTicker   Category = "ticker"
	CategoryCandles  Category = "candles"
	CategoryPosition Category = "position"
	CategoryAccount  Category = "account"
	CategoryFunding  Category = "funding_rate"
	CategoryContract Category = "contract_metadata"
	CategoryFee      Category = "fee_by_order_id"
)

// defaultTTLs mirrors the category table: prices drift slowly enough at
// decision cadence, contract metadata never changes within a run, and a
// fee-by-orderId lookup is one-shot so it only needs to survive one
// reconciler pass.
var defaultTTLs = map[Category]time.Duration{
	CategoryTicker:   60 * time.Second,
	CategoryCandles:  600 * time.Second,
	CategoryPosition: 30 * time.Second,
	CategoryAccount:  30 * time.Second,
	CategoryFunding:  3600 * time.Second,
	CategoryContract: 0, // session lifetime: never expires
	CategoryFee:      300 * time.Second,
}

type entry struct {
	value    interface{}
	storedAt time.Time
	degraded bool
}

// Cache is a TTL cache partitioned by Category. The zero value is not usable;
// construct with New.
type Cache struct {
	mu      sync.RWMutex
	entries map[Category]map[string]*entry
	ttls    map[Category]time.Duration
}

// New creates a Cache using the spec-mandated default TTLs, overridden by any
// entries in overrides.
func New(overrides map[Category]time.Duration) *Cache {
	ttls := make(map[Category]time.Duration, len(defaultTTLs))
	for k, v := range defaultTTLs {
		ttls[k] = v
	}
	for k, v := range overrides {
		ttls[k] = v
	}
	return &Cache{
		entries: make(map[Category]map[string]*entry),
		ttls:    ttls,
	}
}

// Set stores value under (category, key), timestamped now. Clears any prior
// degraded flag since this is a live write.
func (c *Cache) Set(category Category, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.bucketLocked(category)
	bucket[key] = &entry{value: value, storedAt: time.Now()}
}

func (c *Cache) bucketLocked(category Category) map[string]*entry {
	bucket, ok := c.entries[category]
	if !ok {
		bucket = make(map[string]*entry)
		c.entries[category] = bucket
	}
	return bucket
}

// Get returns the cached value for (category, key) if present and within
// TTL, along with ok=true. A zero TTL (session-lifetime categories) never
// expires.
func (c *Cache) Get(category Category, key string) (value interface{}, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, found := c.entries[category][key]
	if !found {
		return nil, false
	}
	ttl := c.ttls[category]
	if ttl > 0 && time.Since(e.storedAt) > ttl {
		return nil, false
	}
	return e.value, true
}

// GetDegraded returns the last-known-good value for (category, key)
// regardless of TTL, marking it degraded, for use when the Request
// Coordinator has rejected the live call that would have refreshed it.
func (c *Cache) GetDegraded(category Category, key string) (value interface{}, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.entries[category][key]
	if !found {
		return nil, false
	}
	e.degraded = true
	return e.value, true
}

// IsDegraded reports whether (category, key) has been served by GetDegraded
// since it was last written by Set.
func (c *Cache) IsDegraded(category Category, key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[category][key]
	return ok && e.degraded
}

// Age reports how long ago (category, key) was last written, or zero if
// absent.
func (c *Cache) Age(category Category, key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[category][key]
	if !ok {
		return 0
	}
	return time.Since(e.storedAt)
}
