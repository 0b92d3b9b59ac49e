package candles

import (
	"sync"
	"time"

	"github.com/avrilquant/regime-core/internal/ports"
)

// candleCache is a TTL cache over fetched candle sets, keyed by
// symbol/timeframe/lookback. A cycle fetches the same pairs every
// interval, so a TTL shorter than the shortest timeframe keeps the
// cache from ever serving a bar the exchange has already closed past.
type candleCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration

	hits, misses int64
}

type cacheEntry struct {
	candles   []ports.Candle
	fetchedAt time.Time
}

func newCandleCache(maxSize int, ttl time.Duration) *candleCache {
	return &candleCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (c *candleCache) get(key string) ([]ports.Candle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Since(entry.fetchedAt) > c.ttl {
		if ok {
			delete(c.entries, key)
		}
		c.misses++
		return nil, false
	}
	c.hits++
	out := make([]ports.Candle, len(entry.candles))
	copy(out, entry.candles)
	return out, true
}

func (c *candleCache) put(key string, candles []ports.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	stored := make([]ports.Candle, len(candles))
	copy(stored, candles)
	c.entries[key] = &cacheEntry{candles: stored, fetchedAt: time.Now()}
}

func (c *candleCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.fetchedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.fetchedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
