package matcher

import (
	"math"
	"sort"

	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/models"
)

// DefaultBufferKm is the maximum distance from a route at which a point still
// counts as on it.
const DefaultBufferKm = 0.5

type SegmentHit struct {
	Found        bool
	SegmentIndex int
	Distance     float64
}

// FindNearestSegment scans every consecutive pair of route points and keeps
// the closest segment. Found is set only when it lies within bufferKm.
func FindNearestSegment(point models.Position, route models.Route, bufferKm float64) SegmentHit {
	hit := SegmentHit{SegmentIndex: -1, Distance: math.Inf(1)}
	for i := 0; i+1 < len(route); i++ {
		d := geo.PointToSegmentDistanceKm(point, route[i], route[i+1])
		if d < hit.Distance {
			hit.Distance = d
			hit.SegmentIndex = i
		}
	}
	hit.Found = hit.SegmentIndex >= 0 && hit.Distance <= bufferKm
	return hit
}

type RouteMatch struct {
	Match           bool    `json:"match"`
	PickupSegment   int     `json:"pickup_segment"`
	DropoffSegment  int     `json:"dropoff_segment"`
	PickupDistance  float64 `json:"pickup_distance_km"`
	DropoffDistance float64 `json:"dropoff_distance_km"`
}

// IsRiderOnRoute reports whether pickup and dropoff both lie within bufferKm
// of route with the dropoff not behind the pickup in travel order.
func IsRiderOnRoute(route models.Route, pickup, dropoff models.Position, bufferKm float64) RouteMatch {
	if bufferKm <= 0 {
		bufferKm = DefaultBufferKm
	}
	if len(route) < 2 {
		return RouteMatch{PickupSegment: -1, DropoffSegment: -1}
	}
	p := FindNearestSegment(pickup, route, bufferKm)
	if !p.Found {
		return RouteMatch{PickupSegment: p.SegmentIndex, DropoffSegment: -1, PickupDistance: p.Distance}
	}
	d := FindNearestSegment(dropoff, route, bufferKm)
	res := RouteMatch{
		PickupSegment:   p.SegmentIndex,
		DropoffSegment:  d.SegmentIndex,
		PickupDistance:  p.Distance,
		DropoffDistance: d.Distance,
	}
	res.Match = d.Found && d.SegmentIndex >= p.SegmentIndex
	return res
}

// RideMatch is a candidate pooled ride for a joining rider.
type RideMatch struct {
	Ride *models.Ride `json:"ride"`
	RouteMatch
}

// FindMatchingRides evaluates every ride carrying a route and returns the
// matches ordered by pickup distance, closest first. Rides whose polyline
// cannot be decoded are skipped.
func FindMatchingRides(rides []*models.Ride, pickup, dropoff models.Position, bufferKm float64) []RideMatch {
	out := make([]RideMatch, 0)
	for _, r := range rides {
		if r == nil || r.Polyline == "" {
			continue
		}
		route, err := geo.DecodePolyline(r.Polyline)
		if err != nil {
			continue
		}
		m := IsRiderOnRoute(route, pickup, dropoff, bufferKm)
		if !m.Match {
			continue
		}
		out = append(out, RideMatch{Ride: r, RouteMatch: m})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PickupDistance < out[j].PickupDistance })
	return out
}
