package valuate

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/mikeydub/go-barter/service/logger"
	"github.com/mikeydub/go-barter/service/persist"
)

const defaultCacheSize = 100000

// CachedSource caches valuations from an underlying ValueSource. The cache is
// shared across tenants and safe under concurrent readers with a single
// background refresher. Valuations have no TTL; staleness only affects
// scoring.
type CachedSource struct {
	source ValueSource
	cache  *lru.Cache
}

// NewCachedSource returns a CachedSource in front of the given source.
// size <= 0 uses a default capacity.
func NewCachedSource(source ValueSource, size int) *CachedSource {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &CachedSource{source: source, cache: cache}
}

// ValueOf returns the cached valuation, reading through to the underlying
// source on a miss. A read-through failure resolves to 0 and is not cached.
func (c *CachedSource) ValueOf(ctx context.Context, id persist.NFTID) (float64, error) {
	if v, ok := c.cache.Get(id); ok {
		return v.(float64), nil
	}

	v, err := c.source.ValueOf(ctx, id)
	if err != nil {
		logger.For(ctx).Warnf("valuation read-through failed for %s: %s", id, err)
		return 0, nil
	}
	if v < 0 {
		v = 0
	}

	c.cache.Add(id, v)
	return v, nil
}

// Refresh re-reads every cached valuation from the underlying source. Intended
// to be driven by the host on its own cadence from a single goroutine.
func (c *CachedSource) Refresh(ctx context.Context) {
	start := time.Now()
	refreshed := 0
	for _, key := range c.cache.Keys() {
		if ctx.Err() != nil {
			return
		}
		id := key.(persist.NFTID)
		v, err := c.source.ValueOf(ctx, id)
		if err != nil {
			continue
		}
		if v < 0 {
			v = 0
		}
		c.cache.Add(id, v)
		refreshed++
	}
	logger.For(ctx).Debugf("refreshed %d cached valuations in %s", refreshed, time.Since(start))
}
