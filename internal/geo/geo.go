package geo

import (
	"errors"
	"math"

	"github.com/example/ridepool/internal/models"
)

const EarthRadiusKm = 6371.0

var (
	ErrMissingCoordinates = errors.New("missing coordinates")
	ErrInvalidCoordinates = errors.New("coordinates out of range")
)

// Validate rejects absent or out-of-range positions. A zero value is treated
// as absent rather than as the point (0,0).
func Validate(p models.Position) error {
	if p.Lat == 0 && p.Lng == 0 {
		return ErrMissingCoordinates
	}
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// HaversineKm is the great-circle distance between a and b in kilometres.
func HaversineKm(a, b models.Position) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return HaversineKm(models.Position{Lat: lat1, Lng: lon1}, models.Position{Lat: lat2, Lng: lon2}) * 1000
}

// PointToSegmentDistanceKm projects point onto the segment [a,b] treating
// lat/lng deltas as a flat local plane, clamps the projection to the segment
// and returns the haversine distance to the clamped point. The flat projection
// is only accurate at city scale.
func PointToSegmentDistanceKm(point, a, b models.Position) float64 {
	abLat := b.Lat - a.Lat
	abLng := b.Lng - a.Lng
	dot := abLat*abLat + abLng*abLng
	if dot == 0 {
		return HaversineKm(point, a)
	}
	t := ((point.Lat-a.Lat)*abLat + (point.Lng-a.Lng)*abLng) / dot
	t = math.Max(0, math.Min(1, t))
	closest := models.Position{Lat: a.Lat + t*abLat, Lng: a.Lng + t*abLng}
	return HaversineKm(point, closest)
}

// RouteLengthKm sums the haversine length of consecutive route points.
func RouteLengthKm(route models.Route) float64 {
	total := 0.0
	for i := 0; i+1 < len(route); i++ {
		total += HaversineKm(route[i], route[i+1])
	}
	return total
}

// BBox is an axis-aligned lat/lng rectangle.
type BBox struct {
	MinLat, MinLng, MaxLat, MaxLng float64
}

// Around returns the box enclosing a circle of radiusKm around center.
func Around(center models.Position, radiusKm float64) BBox {
	dLat := radiusKm / EarthRadiusKm * 180 / math.Pi
	cos := math.Cos(toRad(center.Lat))
	if cos < 1e-6 {
		cos = 1e-6
	}
	dLng := dLat / cos
	return BBox{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
		MinLng: center.Lng - dLng,
		MaxLng: center.Lng + dLng,
	}
}

func (b BBox) Contains(p models.Position) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

func (b BBox) Intersects(o BBox) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat && b.MinLng <= o.MaxLng && o.MinLng <= b.MaxLng
}

// RouteBBox is the smallest box holding every point of route. The zero box
// is returned for an empty route.
func RouteBBox(route models.Route) BBox {
	if len(route) == 0 {
		return BBox{}
	}
	b := BBox{MinLat: route[0].Lat, MaxLat: route[0].Lat, MinLng: route[0].Lng, MaxLng: route[0].Lng}
	for _, p := range route[1:] {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
	}
	return b
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
