package ride

import (
	"context"
	"slices"
	"time"

	"github.com/example/ridepool/internal/fare"
	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/matcher"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
)

// joinable are the statuses in which a pooled ride accepts new riders.
var joinable = []models.Status{models.StatusAccepted, models.StatusArrived, models.StatusInProgress}

type JoinInput struct {
	RiderID string              `json:"rider_id"`
	Pickup  models.Place        `json:"pickup"`
	Dropoff models.Place        `json:"dropoff"`
	Profile models.RiderProfile `json:"profile"`
}

// FindPoolCandidates lists pooled rides near pickup whose route carries the
// rider from pickup to dropoff, closest pickup first. Full rides, rides the
// rider already belongs to, rides ending early and rides whose preferences
// exclude the rider are left out.
func (s *Service) FindPoolCandidates(ctx context.Context, riderID string, profile models.RiderProfile, pickup, dropoff models.Position) ([]matcher.RideMatch, error) {
	if err := validatePlaces(pickup, dropoff); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	radius := s.Config.SearchRadiusKm
	if radius <= 0 {
		radius = 6
	}
	rides, err := s.Store.ListPooledActive(ctx, geo.Around(pickup, radius))
	if err != nil {
		return nil, err
	}
	open := rides[:0]
	for _, r := range rides {
		if r.RiderID == riderID || r.Driver() == riderID {
			continue
		}
		if _, p := r.FindPooledRider(riderID); p != nil {
			continue
		}
		if r.Participants() >= r.MaxPoolSize || r.EarlyCompletion != nil {
			continue
		}
		if ok, reason := matcher.Compatible(r, profile); !ok {
			observability.PoolRouteEvaluations.WithLabelValues("filtered").Inc()
			s.log().Debug("pool candidate filtered", "ride_id", r.ID, "rider_id", riderID, "reason", reason)
			continue
		}
		open = append(open, r)
	}
	matches := matcher.FindMatchingRides(open, pickup, dropoff, s.bufferKm())
	observability.PoolRouteEvaluations.WithLabelValues("match").Add(float64(len(matches)))
	observability.PoolRouteEvaluations.WithLabelValues("no_match").Add(float64(len(open) - len(matches)))
	s.log().Debug("pool candidates evaluated", "rider_id", riderID, "nearby", len(rides), "open", len(open), "matches", len(matches))
	return matches, nil
}

// RequestPoolJoin raises a join request on a pooled ride after checking the
// requester's trip lies along the ride's route. The driver is asked first.
func (s *Service) RequestPoolJoin(ctx context.Context, rideID string, in JoinInput) (*models.Ride, error) {
	if in.RiderID == "" {
		return nil, badRequest("rider_id is required")
	}
	if err := validatePlaces(in.Pickup.Position, in.Dropoff.Position); err != nil {
		return nil, err
	}
	snap, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !snap.IsPooled {
		if snap.PoolingUnavailable {
			return nil, ErrPoolingUnavailable
		}
		return nil, badRequest("ride %s is not pooled", rideID)
	}
	if snap.Polyline == "" {
		return nil, ErrPoolingUnavailable
	}
	route, err := geo.DecodePolyline(snap.Polyline)
	if err != nil {
		s.log().Warn("stored route undecodable", "ride_id", rideID, "err", err)
		return nil, ErrPoolingUnavailable
	}
	m := matcher.IsRiderOnRoute(route, in.Pickup.Position, in.Dropoff.Position, s.bufferKm())
	if !m.Match {
		observability.PoolRouteEvaluations.WithLabelValues("no_match").Inc()
		s.report("request_join", rideID, ErrNotOnRoute)
		return nil, ErrNotOnRoute
	}
	observability.PoolRouteEvaluations.WithLabelValues("match").Inc()

	r, err := s.exec(ctx, "request_join", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("request_join", r, joinable...); err != nil {
			return nil, err
		}
		if in.RiderID == r.RiderID || in.RiderID == r.Driver() {
			return nil, badRequest("participant cannot join their own ride")
		}
		if _, p := r.FindPooledRider(in.RiderID); p != nil {
			return nil, ErrConsentPending
		}
		if r.EarlyCompletion != nil {
			return nil, ErrEndingEarly
		}
		if ok, reason := matcher.Compatible(r, in.Profile); !ok {
			observability.PoolRouteEvaluations.WithLabelValues("filtered").Inc()
			s.log().Debug("pool join filtered", "ride_id", r.ID, "rider_id", in.RiderID, "reason", reason)
			return nil, ErrIncompatible
		}
		if r.Participants()+1 > r.MaxPoolSize {
			return nil, ErrPoolFull
		}
		r.PooledRiders = append(r.PooledRiders, models.PooledRider{
			RiderID:     in.RiderID,
			Pickup:      in.Pickup,
			Dropoff:     in.Dropoff,
			Status:      models.JoinRequested,
			RequestedAt: now,
		})
		return []Event{{
			Type:       EventPoolJoinRequest,
			Recipients: []string{r.Driver()},
			Data: map[string]any{
				"rider_id":           in.RiderID,
				"pickup":             in.Pickup,
				"dropoff":            in.Dropoff,
				"pickup_distance_km": m.PickupDistance,
			},
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	observability.PoolJoinsTotal.WithLabelValues("requested").Inc()
	return r, nil
}

// ResolvePoolConsent records one party's answer to a join request. The
// driver answers first; occupants are then asked and their approval, per the
// configured policy, unlocks AddToPool. Any decline discards the request.
func (s *Service) ResolvePoolConsent(ctx context.Context, rideID, requesterID, actorID string, approved bool) (*models.Ride, error) {
	var outcome string
	r, err := s.exec(ctx, "resolve_consent", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("resolve_consent", r, joinable...); err != nil {
			return nil, err
		}
		idx, p := r.FindPooledRider(requesterID)
		if p == nil || p.Status == models.JoinJoined || p.Status == models.JoinDeclined {
			return nil, badRequest("no open join request from %s", requesterID)
		}
		isDriver := actorID == r.Driver()
		isOccupant := slices.Contains(r.Occupants(), actorID)
		if !isDriver && !isOccupant {
			return nil, ErrNotParticipant
		}

		if !approved {
			outcome = "declined"
			r.PooledRiders = slices.Delete(r.PooledRiders, idx, idx+1)
			return []Event{{
				Type:       EventPoolJoinDeclined,
				Recipients: []string{requesterID, r.Driver()},
				Data:       map[string]any{"rider_id": requesterID, "by": actorID},
			}}, nil
		}

		if isDriver && p.Status == models.JoinRequested {
			outcome = "driver_approved"
			p.Status = models.JoinDriverApproved
			return []Event{{
				Type:       EventPoolConsentRequest,
				Recipients: r.Occupants(),
				Data:       map[string]any{"rider_id": requesterID, "pickup": p.Pickup, "dropoff": p.Dropoff},
			}}, nil
		}
		if !isOccupant {
			return nil, ErrConsentPending
		}
		if p.Status == models.JoinRequested {
			return nil, ErrConsentPending
		}
		if !slices.Contains(p.Approvals, actorID) {
			p.Approvals = append(p.Approvals, actorID)
		}
		if p.Status == models.JoinDriverApproved && s.consentSatisfied(r, p) {
			outcome = "occupant_approved"
			p.Status = models.JoinOccupantApproved
			return []Event{{
				Type:       EventPoolJoinApproved,
				Recipients: []string{r.Driver(), requesterID},
				Data:       map[string]any{"rider_id": requesterID},
			}}, nil
		}
		outcome = "occupant_vote"
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	observability.PoolJoinsTotal.WithLabelValues(outcome).Inc()
	return r, nil
}

func (s *Service) consentSatisfied(r *models.Ride, p *models.PooledRider) bool {
	if s.Config.Consent != ConsentUnanimous {
		return len(p.Approvals) > 0
	}
	for _, id := range r.Occupants() {
		if !slices.Contains(p.Approvals, id) {
			return false
		}
	}
	return true
}

// AddToPool is the driver's final step: the approved rider joins and the fare
// is re-derived for the new occupancy.
func (s *Service) AddToPool(ctx context.Context, rideID, driverID, requesterID string) (*models.Ride, error) {
	r, err := s.exec(ctx, "add_to_pool", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("add_to_pool", r, joinable...); err != nil {
			return nil, err
		}
		if r.Driver() != driverID {
			return nil, ErrNotParticipant
		}
		_, p := r.FindPooledRider(requesterID)
		if p == nil || p.Status == models.JoinDeclined {
			return nil, badRequest("no open join request from %s", requesterID)
		}
		if p.Status == models.JoinJoined {
			return nil, badRequest("%s already joined", requesterID)
		}
		if p.Status != models.JoinOccupantApproved {
			return nil, ErrConsentPending
		}
		if r.EarlyCompletion != nil {
			return nil, ErrEndingEarly
		}
		if len(r.Occupants())+1 > r.MaxPoolSize {
			return nil, ErrPoolFull
		}
		p.Status = models.JoinJoined
		p.JoinedAt = &now
		prev := r.CurrentFare
		reprice(r)
		p.FareAdjustment = r.CurrentFare - r.BaseFare
		return []Event{
			{Type: EventPooledRiderAdded, Data: map[string]any{"rider_id": requesterID}},
			fareEvent(r, prev),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	observability.PoolJoinsTotal.WithLabelValues("joined").Inc()
	s.log().Info("pooled rider joined", "ride_id", r.ID, "rider_id", requesterID,
		"occupants", len(r.Occupants()), "current_fare", r.CurrentFare)
	return r, nil
}

// LeavePool removes a pooled rider before completion and re-derives the fare
// for the remaining occupants.
func (s *Service) LeavePool(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	r, err := s.exec(ctx, "leave_pool", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("leave_pool", r, joinable...); err != nil {
			return nil, err
		}
		if riderID == r.RiderID {
			return nil, badRequest("the ride owner cannot leave; cancel instead")
		}
		idx, p := r.FindPooledRider(riderID)
		if p == nil {
			return nil, ErrNotParticipant
		}
		wasJoined := p.Status == models.JoinJoined
		r.PooledRiders = slices.Delete(r.PooledRiders, idx, idx+1)
		events := []Event{{Type: EventPooledRiderLeft, Data: map[string]any{"rider_id": riderID}}}
		if wasJoined {
			prev := r.CurrentFare
			reprice(r)
			events = append(events, fareEvent(r, prev))
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	observability.PoolJoinsTotal.WithLabelValues("left").Inc()
	return r, nil
}

// reprice derives the per-rider fare and CO2 savings from the frozen base
// fare and current occupancy. A pending early completion follows the new fare.
func reprice(r *models.Ride) {
	n := len(r.Occupants())
	r.CurrentFare = fare.ForOccupancy(r.BaseFare, n)
	r.CO2Saved = fare.CO2Saved(r.Vehicle, r.DistanceKm, n > 1)
	if ec := r.EarlyCompletion; ec != nil {
		ec.ProratedFare = fare.Prorated(r.CurrentFare, r.DistanceKm, ec.ActualDistanceKm)
	}
}

func fareEvent(r *models.Ride, prev int64) Event {
	return Event{
		Type:       EventFareUpdate,
		Recipients: append(r.Occupants(), r.Driver()),
		Data:       map[string]any{"previous_fare": prev, "current_fare": r.CurrentFare, "occupants": len(r.Occupants())},
	}
}
