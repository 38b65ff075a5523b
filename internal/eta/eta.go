package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/tow-matching/internal/geo"
	"github.com/example/tow-matching/internal/models"
)

// AverageSpeedKmh is the assumed average speed for straight-line estimates.
const AverageSpeedKmh = 40.0

// Route is a distance/duration estimate between two points.
type Route struct {
	DistanceKm      float64
	DurationMinutes int
}

// Estimator computes a route estimate.
type Estimator interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Minutes converts a distance to travel minutes at AverageSpeedKmh,
// rounded up so a non-zero distance never reports 0.
func Minutes(distanceKm float64) int {
	if distanceKm <= 0 {
		return 0
	}
	return int(math.Ceil(distanceKm / AverageSpeedKmh * 60))
}

// StraightLine estimates by great-circle distance and average speed.
type StraightLine struct{}

func (StraightLine) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	d := geo.Distance(from, to)
	return Route{DistanceKm: math.Round(d*100) / 100, DurationMinutes: Minutes(d)}, nil
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
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
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Fallback asks Primary first (through the cache when set) and falls back to
// a straight-line estimate when it fails.
type Fallback struct {
	Primary Estimator
	Cache   *Cache
}

func (f *Fallback) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if f.Cache != nil {
		if r, ok := f.Cache.Get(from, to); ok {
			return r, nil
		}
	}
	if f.Primary != nil {
		if r, err := f.Primary.Route(ctx, from, to); err == nil {
			if f.Cache != nil {
				f.Cache.Set(from, to, r)
			}
			return r, nil
		}
	}
	return StraightLine{}.Route(ctx, from, to)
}
