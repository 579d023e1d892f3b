package scrape

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// resultCache holds successful scrape results keyed by poolKey+":"+gtin.
// Entries expire after the configured TTL; the size bound keeps the cache
// from growing without limit, evicting the least recently used entries once
// the high-water mark is reached.
type resultCache struct {
	lru *expirable.LRU[string, Result]
}

func newResultCache(maxEntries int, ttl time.Duration) *resultCache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &resultCache{
		lru: expirable.NewLRU[string, Result](maxEntries, nil, ttl),
	}
}

// get returns the cached result if present and unexpired. Expired entries
// are dropped on read.
func (c *resultCache) get(key string) (Result, bool) {
	return c.lru.Get(key)
}

func (c *resultCache) put(key string, res Result) {
	c.lru.Add(key, res)
}

func (c *resultCache) len() int {
	return c.lru.Len()
}
