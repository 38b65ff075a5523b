package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/tow-matching/internal/models"
	"github.com/example/tow-matching/internal/storage"
)

// RedisGeo keeps live driver positions in a Redis GEO set and takes
// eligibility from the registry.
type RedisGeo struct {
	client   *redis.Client
	key      string
	registry DriverLookup
}

// DriverLookup resolves a single registry row.
type DriverLookup interface {
	Driver(ctx context.Context, id string) (*models.Driver, error)
}

func NewRedisGeo(client *redis.Client, key string, registry DriverLookup) *RedisGeo {
	return &RedisGeo{client: client, key: key, registry: registry}
}

// UpdatePosition stores the driver's latest position.
func (r *RedisGeo) UpdatePosition(ctx context.Context, driverID string, lat, lng float64) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lng, Latitude: lat, Name: driverID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisGeo) FindNearby(ctx context.Context, lat, lng, radiusKm float64, st models.ServiceType) ([]models.NearbyDriver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	return r.join(ctx, lat, lng, st, res)
}

// join keeps the hits whose registry row is eligible for st. Members with no
// registry row are stale and skipped; any other lookup failure is returned.
func (r *RedisGeo) join(ctx context.Context, lat, lng float64, st models.ServiceType, hits []redis.GeoLocation) ([]models.NearbyDriver, error) {
	out := make([]models.NearbyDriver, 0, len(hits))
	for _, g := range hits {
		d, err := r.registry.Driver(ctx, g.Name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("driver %s: %w", g.Name, err)
		}
		if !d.Eligible() || !d.Serves(st) {
			continue
		}
		d.Loc = &models.Coord{Lat: g.Latitude, Lng: g.Longitude}
		// recompute with the same formula as the rest of the core so
		// ordering does not depend on Redis' own distance rounding
		out = append(out, models.NearbyDriver{Driver: *d, DistanceKm: Haversine(lat, lng, g.Latitude, g.Longitude)})
	}
	SortByDistance(out)
	return out, nil
}
