package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/cache/v9"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound means the identifier does not resolve to anything (a tombstoned or never-existed
// DID/handle), distinct from a transient resolution error.
var ErrNotFound = errors.New("identity: not found")

// cacheEntry is what the cache actually stores: the resolved document plus when it was fetched,
// so CacheResult can derive the fresh/stale/expired tri-state from two configured durations.
type cacheEntry struct {
	Doc       Document  `json:"doc"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// CacheResult reports a cache hit's freshness, per spec §4.9: Fresh entries are returned
// as-is; Stale entries are returned immediately but trigger an async background refresh;
// Expired entries are treated as a cache miss.
type CacheResult struct {
	Doc     Document
	Fresh   bool
	Stale   bool
	Expired bool
}

// Cache is a two-tier TTL cache for DID documents: an in-process LRU (fast path, per-process)
// backed by an optional shared redis tier (cross-process, so a fleet of validators/indexers
// doesn't hammer the PLC directory independently).
type Cache struct {
	freshFor time.Duration
	staleFor time.Duration

	local *lru.LRU[string, cacheEntry]
	redis *cache.Cache

	mu sync.Mutex
}

// NewCache builds a cache where entries are "fresh" for freshFor and may still be served
// "stale" (with a background refresh triggered) for an additional staleFor beyond that, before
// finally expiring. A nil redisClient disables the shared tier and runs local-only.
func NewCache(freshFor, staleFor time.Duration, localSize int, redisClient *redis.Client) *Cache {
	c := &Cache{
		freshFor: freshFor,
		staleFor: staleFor,
		local:    lru.NewLRU[string, cacheEntry](localSize, nil, freshFor+staleFor),
	}
	if redisClient != nil {
		c.redis = cache.New(&cache.Options{
			Redis:      redisClient,
			LocalCache: cache.NewTinyLFU(localSize, freshFor+staleFor),
		})
	}
	return c
}

// Check looks up key without making any network call, classifying the hit's freshness.
func (c *Cache) Check(ctx context.Context, key string) (*CacheResult, error) {
	entry, ok := c.localGet(key)
	if !ok && c.redis != nil {
		var e cacheEntry
		if err := c.redis.Get(ctx, key, &e); err == nil {
			entry, ok = e, true
			c.local.Add(key, e)
		}
	}
	if !ok {
		return nil, nil
	}
	age := time.Since(entry.FetchedAt)
	switch {
	case age < c.freshFor:
		return &CacheResult{Doc: entry.Doc, Fresh: true}, nil
	case age < c.freshFor+c.staleFor:
		return &CacheResult{Doc: entry.Doc, Stale: true}, nil
	default:
		return &CacheResult{Doc: entry.Doc, Expired: true}, nil
	}
}

func (c *Cache) localGet(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.Get(key)
}

// Put records a freshly resolved document, timestamped now.
func (c *Cache) Put(ctx context.Context, key string, doc Document) error {
	entry := cacheEntry{Doc: doc, FetchedAt: time.Now()}
	c.mu.Lock()
	c.local.Add(key, entry)
	c.mu.Unlock()
	if c.redis != nil {
		if err := c.redis.Set(&cache.Item{
			Ctx:   ctx,
			Key:   key,
			Value: entry,
			TTL:   c.freshFor + c.staleFor,
		}); err != nil {
			return fmt.Errorf("identity: cache: redis set: %w", err)
		}
	}
	return nil
}

// Clear evicts key, used when resolution confirms the identifier no longer exists.
func (c *Cache) Clear(ctx context.Context, key string) {
	c.mu.Lock()
	c.local.Remove(key)
	c.mu.Unlock()
	if c.redis != nil {
		_ = c.redis.Delete(ctx, key)
	}
}
