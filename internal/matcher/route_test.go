package matcher

import (
	"testing"

	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/models"
)

// northbound is a 5-point route with four segments along a meridian.
var northbound = models.Route{
	{Lat: 11.00, Lng: 76.96},
	{Lat: 11.01, Lng: 76.96},
	{Lat: 11.02, Lng: 76.96},
	{Lat: 11.03, Lng: 76.96},
	{Lat: 11.04, Lng: 76.96},
}

func TestFindNearestSegmentOutsideBuffer(t *testing.T) {
	route := models.Route{{Lat: 11.02, Lng: 76.96}, {Lat: 11.03, Lng: 76.97}}
	hit := FindNearestSegment(models.Position{Lat: 11.10, Lng: 77.10}, route, DefaultBufferKm)
	if hit.Found {
		t.Fatalf("expected not found, got %+v", hit)
	}
	if hit.SegmentIndex != 0 || hit.Distance <= DefaultBufferKm {
		t.Fatalf("expected nearest segment 0 beyond buffer, got %+v", hit)
	}
}

func TestFindNearestSegmentPicksClosest(t *testing.T) {
	hit := FindNearestSegment(models.Position{Lat: 11.025, Lng: 76.961}, northbound, DefaultBufferKm)
	if !hit.Found || hit.SegmentIndex != 2 {
		t.Fatalf("expected segment 2, got %+v", hit)
	}
}

func TestIsRiderOnRoute(t *testing.T) {
	cases := []struct {
		name    string
		route   models.Route
		pickup  models.Position
		dropoff models.Position
		match   bool
	}{
		{"forward", northbound, models.Position{Lat: 11.015, Lng: 76.961}, models.Position{Lat: 11.035, Lng: 76.959}, true},
		{"same segment", northbound, models.Position{Lat: 11.011, Lng: 76.96}, models.Position{Lat: 11.019, Lng: 76.96}, true},
		{"pickup segment 3 dropoff segment 1", northbound, models.Position{Lat: 11.035, Lng: 76.96}, models.Position{Lat: 11.015, Lng: 76.96}, false},
		{"pickup off route", northbound, models.Position{Lat: 11.015, Lng: 77.05}, models.Position{Lat: 11.035, Lng: 76.96}, false},
		{"dropoff off route", northbound, models.Position{Lat: 11.015, Lng: 76.96}, models.Position{Lat: 11.20, Lng: 76.96}, false},
		{"single point route", models.Route{{Lat: 11.0, Lng: 76.96}}, models.Position{Lat: 11.0, Lng: 76.96}, models.Position{Lat: 11.0, Lng: 76.96}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := IsRiderOnRoute(tc.route, tc.pickup, tc.dropoff, 0.5)
			if got.Match != tc.match {
				t.Fatalf("match=%v want %v (%+v)", got.Match, tc.match, got)
			}
		})
	}
}

func TestIsRiderOnRouteReportsSegments(t *testing.T) {
	got := IsRiderOnRoute(northbound, models.Position{Lat: 11.015, Lng: 76.96}, models.Position{Lat: 11.035, Lng: 76.96}, 0.5)
	if !got.Match || got.PickupSegment != 1 || got.DropoffSegment != 3 {
		t.Fatalf("unexpected result %+v", got)
	}
	if got.PickupDistance > 1e-6 || got.DropoffDistance > 1e-6 {
		t.Fatalf("points on the route should be at ~0 distance: %+v", got)
	}
}

func TestFindMatchingRidesOrdersByPickupDistance(t *testing.T) {
	shifted := make(models.Route, len(northbound))
	for i, p := range northbound {
		shifted[i] = models.Position{Lat: p.Lat, Lng: p.Lng + 0.003}
	}
	rides := []*models.Ride{
		{ID: "no-route"},
		{ID: "shifted", Polyline: geo.EncodePolyline(shifted)},
		{ID: "broken", Polyline: "_p~iF~ps|"},
		{ID: "exact", Polyline: geo.EncodePolyline(northbound)},
		{ID: "reverse", Polyline: geo.EncodePolyline(reverse(northbound))},
	}
	pickup := models.Position{Lat: 11.005, Lng: 76.96}
	dropoff := models.Position{Lat: 11.035, Lng: 76.96}
	got := FindMatchingRides(rides, pickup, dropoff, 0.5)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].Ride.ID != "exact" || got[1].Ride.ID != "shifted" {
		t.Fatalf("unexpected order %s, %s", got[0].Ride.ID, got[1].Ride.ID)
	}
	if got[0].PickupDistance > got[1].PickupDistance {
		t.Fatal("results must be ascending by pickup distance")
	}
}

func reverse(r models.Route) models.Route {
	out := make(models.Route, len(r))
	for i := range r {
		out[len(r)-1-i] = r[i]
	}
	return out
}
