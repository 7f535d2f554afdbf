package matcher

import (
	"context"
	"sort"
	"time"

	"github.com/example/ridepool/internal/eta"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
)

// Geo is the slice of the live index the ranker needs.
type Geo interface {
	Nearby(center models.Position, role models.Role, radiusKm float64, limit int) []models.LiveState
}

// Ranker orders nearby online drivers for a new ride request.
type Ranker struct {
	Geo             Geo
	RadiusKm        float64
	DefaultSpeedMps float64
	TopN            int
	ETAClient       eta.Client // optional routing-backed client
	ETACache        *eta.Cache // optional ETA cache
}

// Rank returns up to TopN offers, cheapest first, where
// cost = eta_seconds + 30*(5 - rating).
func (s *Ranker) Rank(ctx context.Context, pickup models.Position) []models.DriverOffer {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	cands := s.Geo.Nearby(pickup, models.RoleDriver, s.RadiusKm, topN)
	if len(cands) == 0 {
		return nil
	}
	offers := make([]models.DriverOffer, 0, len(cands))
	for _, d := range cands {
		if !d.Online {
			continue
		}
		etaSec := eta.Resolve(ctx, s.ETAClient, s.ETACache, d.Position, pickup, s.DefaultSpeedMps)
		cost := etaSec + 30.0*(5.0-d.Rating)
		offers = append(offers, models.DriverOffer{DriverID: d.ID, ETA: etaSec, Cost: cost})
	}
	sort.SliceStable(offers, func(i, j int) bool { return offers[i].Cost < offers[j].Cost })
	observability.DriverOffersTotal.Add(float64(len(offers)))
	return offers
}
