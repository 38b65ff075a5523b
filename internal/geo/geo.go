package geo

import (
	"context"
	"math"
	"sort"

	"github.com/example/tow-matching/internal/models"
)

// EarthRadiusKm is the mean Earth radius used by every distance in the core.
const EarthRadiusKm = 6371.0

// Finder is the GeoIndex used by the matching service.
type Finder interface {
	FindNearby(ctx context.Context, lat, lng, radiusKm float64, st models.ServiceType) ([]models.NearbyDriver, error)
}

// Registry is the driver registry the index reads eligibility from.
type Registry interface {
	Drivers(ctx context.Context) ([]models.Driver, error)
}

// Index scans the registry and keeps drivers within the radius. Positions
// come from the registry rows themselves.
type Index struct {
	Registry Registry
}

func NewIndex(r Registry) *Index { return &Index{Registry: r} }

func (g *Index) FindNearby(ctx context.Context, lat, lng, radiusKm float64, st models.ServiceType) ([]models.NearbyDriver, error) {
	drivers, err := g.Registry.Drivers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.NearbyDriver, 0)
	for _, d := range drivers {
		if d.Loc == nil || !d.Eligible() || !d.Serves(st) {
			continue
		}
		dist := Haversine(lat, lng, d.Loc.Lat, d.Loc.Lng)
		if dist > radiusKm {
			continue
		}
		out = append(out, models.NearbyDriver{Driver: d, DistanceKm: dist})
	}
	SortByDistance(out)
	return out, nil
}

// SortByDistance orders hits by ascending distance, ties by driver id.
func SortByDistance(hits []models.NearbyDriver) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].DistanceKm != hits[j].DistanceKm {
			return hits[i].DistanceKm < hits[j].DistanceKm
		}
		return hits[i].Driver.ID < hits[j].Driver.ID
	})
}

// Haversine returns the great-circle distance in kilometers.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) }

// ValidCoord reports whether lat/lng are inside the WGS84 range.
func ValidCoord(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 && !math.IsNaN(lat) && !math.IsNaN(lng)
}
