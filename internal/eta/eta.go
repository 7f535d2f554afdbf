package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/models"
)

// DefaultSpeedMps is ~28.8 km/h, a typical city average.
const DefaultSpeedMps = 8.0

// Client is the interface used by the matcher to get ETAs.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Position) (float64, error)
}

// Cache is a small in-memory cache for ETA lookups keyed by coords rounded
// to polyline precision.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Position) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Position) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Position) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Position, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}

// EstimateSeconds is the straight-line fallback: distance / speed.
func EstimateSeconds(from, to models.Position, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.HaversineKm(from, to) * 1000 / speedMps
}

// Resolve looks the pair up in cache, then client, then falls back to the
// naive estimate. The client result is cached; the fallback is not.
func Resolve(ctx context.Context, client Client, cache *Cache, from, to models.Position, speedMps float64) float64 {
	if cache != nil {
		if v, ok := cache.Get(from, to); ok {
			return v
		}
	}
	if client != nil {
		if v, err := client.EstimateSeconds(ctx, from, to); err == nil {
			if cache != nil {
				cache.Set(from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, speedMps)
}
