package speedtest

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultResultCacheSize = 4096
	defaultResultGrace     = 15 * time.Minute
)

// ResultCache keeps the metrics of completed runs for a grace window after
// their registry slot has been released.
type ResultCache struct {
	cache *expirable.LRU[Token, *Metrics]
}

func NewResultCache(maxSize int, grace time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = defaultResultCacheSize
	}
	if grace <= 0 {
		grace = defaultResultGrace
	}
	return &ResultCache{
		cache: expirable.NewLRU[Token, *Metrics](maxSize, nil, grace),
	}
}

func (c *ResultCache) Add(token Token, metrics *Metrics) {
	c.cache.Add(token, metrics)
}

func (c *ResultCache) Get(token Token) (*Metrics, bool) {
	return c.cache.Get(token)
}

func (c *ResultCache) Len() int {
	return c.cache.Len()
}
