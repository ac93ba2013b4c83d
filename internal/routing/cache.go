package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-pooling/internal/models"
)

// Cache is a tiny in-memory TTL cache for route lookups keyed by the
// coordinate pair, so repeated posts of the same commute don't hammer
// the external service.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	route Route
	ts    time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Point) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Point) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.route, true
}

func (c *Cache) Set(a, b models.Point, r Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{route: r, ts: time.Now()}
	c.mu.Unlock()
}

// CachedClient fronts another Client with a Cache. Lookups that fail
// are not cached.
type CachedClient struct {
	Inner Client
	Cache *Cache
}

func NewCachedClient(inner Client, ttl time.Duration) *CachedClient {
	return &CachedClient{Inner: inner, Cache: NewCache(ttl)}
}

func (c *CachedClient) Route(ctx context.Context, from, to models.Point) (*Route, error) {
	if r, ok := c.Cache.Get(from, to); ok {
		return &r, nil
	}
	r, err := c.Inner.Route(ctx, from, to)
	if err != nil {
		return nil, err
	}
	c.Cache.Set(from, to, *r)
	return r, nil
}
