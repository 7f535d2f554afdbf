package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ridepool/internal/models"
)

// mapsAPI is the subset of *maps.Client used here.
type mapsAPI interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
	ReverseGeocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
	PlaceAutocomplete(ctx context.Context, r *maps.PlaceAutocompleteRequest) (maps.AutocompleteResponse, error)
	PlaceDetails(ctx context.Context, r *maps.PlaceDetailsRequest) (maps.PlaceDetailsResult, error)
}

// GoogleMaps serves directions, reverse geocoding and place autocomplete
// from the Google Maps platform.
type GoogleMaps struct {
	client mapsAPI
	// MaxCandidates caps autocomplete results resolved to coordinates.
	MaxCandidates int
	// AutocompleteRadiusM biases autocomplete around the caller.
	AutocompleteRadiusM uint
}

func NewGoogleMaps(apiKey string) (*GoogleMaps, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMaps{client: client, MaxCandidates: 5, AutocompleteRadiusM: 20000}, nil
}

func latLng(p models.Position) string { return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng) }

func (g *GoogleMaps) Directions(ctx context.Context, origin, destination models.Position) ([]models.RouteOption, error) {
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:       latLng(origin),
		Destination:  latLng(destination),
		Mode:         maps.TravelModeDriving,
		Alternatives: true,
	})
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}
	out := make([]models.RouteOption, 0, len(routes))
	for _, r := range routes {
		if len(r.Legs) == 0 {
			continue
		}
		opt := models.RouteOption{Polyline: r.OverviewPolyline.Points, Summary: r.Summary}
		for _, leg := range r.Legs {
			opt.DistanceMeters += int64(leg.Distance.Meters)
			opt.DurationSeconds += int64(leg.Duration.Seconds())
		}
		out = append(out, opt)
	}
	if len(out) == 0 {
		return nil, ErrNoRoute
	}
	return out, nil
}

func (g *GoogleMaps) ReverseGeocode(ctx context.Context, p models.Position) (string, error) {
	res, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{LatLng: &maps.LatLng{Lat: p.Lat, Lng: p.Lng}})
	if err != nil {
		return "", fmt.Errorf("geocoding api error: %w", err)
	}
	if len(res) == 0 {
		return "", ErrNoRoute
	}
	return res[0].FormattedAddress, nil
}

var detailFields = []maps.PlaceDetailsFieldMask{
	maps.PlaceDetailsFieldMask("geometry"),
	maps.PlaceDetailsFieldMask("formatted_address"),
	maps.PlaceDetailsFieldMask("name"),
}

// Autocomplete returns ranked predictions resolved to coordinates through a
// details lookup. Predictions whose details fail are skipped.
func (g *GoogleMaps) Autocomplete(ctx context.Context, query string, near *models.Position) ([]PlaceCandidate, error) {
	req := &maps.PlaceAutocompleteRequest{Input: query}
	if near != nil {
		req.Location = &maps.LatLng{Lat: near.Lat, Lng: near.Lng}
		req.Radius = g.AutocompleteRadiusM
	}
	resp, err := g.client.PlaceAutocomplete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("places api error: %w", err)
	}
	limit := g.MaxCandidates
	if limit <= 0 {
		limit = 5
	}
	out := make([]PlaceCandidate, 0, limit)
	for _, p := range resp.Predictions {
		if len(out) >= limit {
			break
		}
		d, err := g.client.PlaceDetails(ctx, &maps.PlaceDetailsRequest{PlaceID: p.PlaceID, Fields: detailFields})
		if err != nil {
			continue
		}
		out = append(out, PlaceCandidate{
			PlaceID:  p.PlaceID,
			Name:     d.Name,
			Address:  d.FormattedAddress,
			Position: models.Position{Lat: d.Geometry.Location.Lat, Lng: d.Geometry.Location.Lng},
		})
	}
	return out, nil
}
