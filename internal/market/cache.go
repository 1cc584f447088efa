package market

import (
	"sort"
	"sync"
	"time"
)

// Cache keeps the last good snapshot of every market. Entries older than
// staleAfter are not served.
type Cache struct {
	mu         sync.RWMutex
	markets    map[string]cacheEntry
	staleAfter time.Duration
	now        func() time.Time
}

type cacheEntry struct {
	market    Market
	updatedAt time.Time
}

func NewCache(staleAfter time.Duration) *Cache {
	return &Cache{
		markets:    make(map[string]cacheEntry),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (c *Cache) Get(id string) (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.markets[id]
	if !ok || c.expired(entry, c.now()) {
		return Market{}, false
	}
	return entry.market, true
}

func (c *Cache) SetAll(markets []Market) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, m := range markets {
		c.markets[m.ID] = cacheEntry{market: m, updatedAt: now}
	}
}

// All returns non-stale markets ordered by volume, highest first.
func (c *Cache) All() []Market {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	result := make([]Market, 0, len(c.markets))
	for _, entry := range c.markets {
		if !c.expired(entry, now) {
			result = append(result, entry.market)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Volume != result[j].Volume {
			return result[i].Volume > result[j].Volume
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Prune drops stale entries and returns how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, entry := range c.markets {
		if c.expired(entry, now) {
			delete(c.markets, id)
			removed++
		}
	}
	return removed
}

func (c *Cache) expired(e cacheEntry, now time.Time) bool {
	return c.staleAfter > 0 && now.Sub(e.updatedAt) > c.staleAfter
}
