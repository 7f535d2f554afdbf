// Package routing adapts external routing and geocoding providers to the
// shapes the ride engine consumes.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ridepool/internal/models"
)

var (
	ErrNoRoute     = errors.New("no route found")
	ErrUnsupported = errors.New("operation not supported by provider")
	ErrNoProvider  = errors.New("no routing provider configured")
)

// PlaceCandidate is one ranked autocomplete result.
type PlaceCandidate struct {
	PlaceID  string          `json:"place_id,omitempty"`
	Name     string          `json:"name"`
	Address  string          `json:"address"`
	Position models.Position `json:"position"`
}

type Provider interface {
	Directions(ctx context.Context, origin, destination models.Position) ([]models.RouteOption, error)
	ReverseGeocode(ctx context.Context, p models.Position) (string, error)
	Autocomplete(ctx context.Context, query string, near *models.Position) ([]PlaceCandidate, error)
}

// Chain asks each provider in turn and returns the first success.
type Chain struct {
	Providers []Provider
	Logger    *slog.Logger
}

func NewChain(logger *slog.Logger, providers ...Provider) *Chain {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			out = append(out, p)
		}
	}
	return &Chain{Providers: out, Logger: logger}
}

func (c *Chain) Directions(ctx context.Context, origin, destination models.Position) ([]models.RouteOption, error) {
	return first(c, "directions", func(p Provider) ([]models.RouteOption, error) {
		return p.Directions(ctx, origin, destination)
	})
}

func (c *Chain) ReverseGeocode(ctx context.Context, pos models.Position) (string, error) {
	return first(c, "reverse_geocode", func(p Provider) (string, error) {
		return p.ReverseGeocode(ctx, pos)
	})
}

func (c *Chain) Autocomplete(ctx context.Context, query string, near *models.Position) ([]PlaceCandidate, error) {
	return first(c, "autocomplete", func(p Provider) ([]PlaceCandidate, error) {
		return p.Autocomplete(ctx, query, near)
	})
}

func first[T any](c *Chain, op string, call func(Provider) (T, error)) (T, error) {
	var zero T
	if len(c.Providers) == 0 {
		return zero, ErrNoProvider
	}
	var errs []error
	for i, p := range c.Providers {
		v, err := call(p)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrUnsupported) && c.Logger != nil {
			c.Logger.Warn("routing provider failed", "op", op, "provider", i, "err", err)
		}
		errs = append(errs, err)
	}
	return zero, fmt.Errorf("%s: %w", op, errors.Join(errs...))
}
