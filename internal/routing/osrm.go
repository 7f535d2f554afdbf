package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ridepool/internal/models"
)

// OSRMClient performs route/eta lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmRoute struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Geometry string  `json:"geometry"`
}

type osrmResponse struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Routes    []osrmRoute `json:"routes"`
	Waypoints []struct {
		Name string `json:"name"`
	} `json:"waypoints"`
}

func (o *OSRMClient) get(ctx context.Context, url string) (*osrmResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Code != "Ok" {
		return nil, fmt.Errorf("osrm %s: %s", out.Code, out.Message)
	}
	return &out, nil
}

// Directions queries /route with alternatives; geometries come back as
// precision-5 polylines, the format the rest of the engine decodes.
func (o *OSRMClient) Directions(ctx context.Context, origin, destination models.Position) ([]models.RouteOption, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&alternatives=true&geometries=polyline",
		o.Endpoint, origin.Lng, origin.Lat, destination.Lng, destination.Lat)
	out, err := o.get(ctx, url)
	if err != nil {
		return nil, err
	}
	if len(out.Routes) == 0 {
		return nil, ErrNoRoute
	}
	opts := make([]models.RouteOption, 0, len(out.Routes))
	for _, r := range out.Routes {
		opts = append(opts, models.RouteOption{
			DistanceMeters:  int64(r.Distance),
			DurationSeconds: int64(r.Duration),
			Polyline:        r.Geometry,
		})
	}
	return opts, nil
}

// EstimateSeconds queries OSRM /route between points and returns duration in seconds.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Position) (float64, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	out, err := o.get(ctx, url)
	if err != nil {
		return 0, err
	}
	if len(out.Routes) == 0 {
		return 0, ErrNoRoute
	}
	return out.Routes[0].Duration, nil
}

// ReverseGeocode uses /nearest, which only knows street names.
func (o *OSRMClient) ReverseGeocode(ctx context.Context, p models.Position) (string, error) {
	url := fmt.Sprintf("%s/nearest/v1/driving/%.6f,%.6f?number=1", o.Endpoint, p.Lng, p.Lat)
	out, err := o.get(ctx, url)
	if err != nil {
		return "", err
	}
	if len(out.Waypoints) == 0 || out.Waypoints[0].Name == "" {
		return "", ErrNoRoute
	}
	return out.Waypoints[0].Name, nil
}

func (o *OSRMClient) Autocomplete(ctx context.Context, query string, near *models.Position) ([]PlaceCandidate, error) {
	return nil, ErrUnsupported
}
