package refresh

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryCache keeps entries in process memory.
type MemoryCache struct {
	cache *cache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &MemoryCache{cache: cache.New(ttl, 2*ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	v, ok := c.cache.Get(key)
	if !ok {
		return Entry{}, false, nil
	}

	//nolint:forcetypeassert
	return v.(Entry), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	c.cache.Set(key, entry, ttl)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.cache.Delete(key)
	return nil
}
