package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ridepool/internal/dispatch"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/ride"
	"github.com/example/ridepool/internal/routing"
)

func rideID(r *http.Request) string { return mux.Vars(r)["id"] }

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var in ride.RequestInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Rides.RequestRide(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Rides.Get(r.Context(), rideID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, errInput{errInvalid("limit")})
			return
		}
		limit = n
	}
	rides, err := s.Rides.ListByParticipant(r.Context(), mux.Vars(r)["user_id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

type intentRequest struct {
	RiderID string `json:"rider_id"`
	ride.TripIntent
}

func (s *Server) handleUpdateIntent(w http.ResponseWriter, r *http.Request) {
	var in intentRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.UpdateTripIntent(r.Context(), rideID(r), in.RiderID, in.TripIntent))
}

type driverRequest struct {
	DriverID string `json:"driver_id"`
}

// reply writes the ride or the error of a lifecycle command.
func (s *Server) reply(w http.ResponseWriter, r *http.Request) func(*models.Ride, error) {
	return func(rd *models.Ride, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rd)
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var in driverRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.AcceptRide(r.Context(), rideID(r), in.DriverID))
}

// handleArrive never returns the code; it is delivered to the rider only.
func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	var in driverRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	_, rd, err := s.Rides.MarkArrived(r.Context(), rideID(r), in.DriverID)
	s.reply(w, r)(rd, err)
}

func (s *Server) handleCurrentOtp(w http.ResponseWriter, r *http.Request) {
	code, exp, err := s.Rides.CurrentOtp(r.Context(), rideID(r), r.URL.Query().Get("rider_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"otp": code, "expires_at": exp.Format(time.RFC3339)})
}

type verifyRequest struct {
	DriverID string `json:"driver_id"`
	Code     string `json:"code"`
}

func (s *Server) handleVerifyOtp(w http.ResponseWriter, r *http.Request) {
	var in verifyRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.VerifyOtp(r.Context(), rideID(r), in.DriverID, in.Code))
}

func (s *Server) handleReissueOtp(w http.ResponseWriter, r *http.Request) {
	var in driverRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.Rides.ReissueOtp(r.Context(), rideID(r), in.DriverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reissued": true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var in driverRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.CompleteRide(r.Context(), rideID(r), in.DriverID))
}

type earlyRequest struct {
	DriverID         string  `json:"driver_id"`
	ActualDistanceKm float64 `json:"actual_distance_km"`
}

func (s *Server) handleEarlyCompletion(w http.ResponseWriter, r *http.Request) {
	var in earlyRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.RequestEarlyCompletion(r.Context(), rideID(r), in.DriverID, in.ActualDistanceKm))
}

type confirmRequest struct {
	RiderID   string `json:"rider_id"`
	Confirmed bool   `json:"confirmed"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var in confirmRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.ConfirmCompletion(r.Context(), rideID(r), in.RiderID, in.Confirmed))
}

type cancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var in cancelRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.CancelRide(r.Context(), rideID(r), in.ActorID, in.Reason))
}

func (s *Server) handleDisputeOutcome(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Outcome string `json:"outcome"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.RecordDisputeOutcome(r.Context(), rideID(r), in.Outcome))
}

type candidatesRequest struct {
	RiderID string              `json:"rider_id"`
	Pickup  models.Position     `json:"pickup"`
	Dropoff models.Position     `json:"dropoff"`
	Profile models.RiderProfile `json:"profile"`
}

func (s *Server) handlePoolCandidates(w http.ResponseWriter, r *http.Request) {
	var in candidatesRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.Rides.FindPoolCandidates(r.Context(), in.RiderID, in.Profile, in.Pickup, in.Dropoff)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": matches})
}

func (s *Server) handlePoolJoin(w http.ResponseWriter, r *http.Request) {
	var in ride.JoinInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rd, err := s.Rides.RequestPoolJoin(r.Context(), rideID(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rd)
}

type consentRequest struct {
	RequesterID string `json:"requester_id"`
	ActorID     string `json:"actor_id"`
	Approved    bool   `json:"approved"`
}

func (s *Server) handlePoolConsent(w http.ResponseWriter, r *http.Request) {
	var in consentRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.ResolvePoolConsent(r.Context(), rideID(r), in.RequesterID, in.ActorID, in.Approved))
}

type addRequest struct {
	DriverID    string `json:"driver_id"`
	RequesterID string `json:"requester_id"`
}

func (s *Server) handlePoolAdd(w http.ResponseWriter, r *http.Request) {
	var in addRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.AddToPool(r.Context(), rideID(r), in.DriverID, in.RequesterID))
}

func (s *Server) handlePoolLeave(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RiderID string `json:"rider_id"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.reply(w, r)(s.Rides.LeavePool(r.Context(), rideID(r), in.RiderID))
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var p models.PositionPing
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.SentAt.IsZero() {
		p.SentAt = time.Now().UTC()
	}
	if err := s.Dispatch.UpdatePosition(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SubjectID string      `json:"subject_id"`
		Role      models.Role `json:"role"`
	}
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !in.Role.Valid() {
		s.writeError(w, r, dispatch.ErrInvalidRole)
		return
	}
	s.Dispatch.Offline(r.Context(), in.SubjectID, in.Role)
	w.WriteHeader(http.StatusNoContent)
}

type quoteRequest struct {
	Pickup  models.Position        `json:"pickup"`
	Dropoff models.Position        `json:"dropoff"`
	Vehicle models.VehicleCategory `json:"vehicle"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var in quoteRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	quotes, err := s.Rides.Quote(r.Context(), in.Pickup, in.Dropoff, in.Vehicle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}

func (s *Server) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	if s.Places == nil {
		s.writeError(w, r, routing.ErrNoProvider)
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, r, errInput{errInvalid("q")})
		return
	}
	var near *models.Position
	lat, hasLat, err := queryFloat(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, hasLng, err := queryFloat(r, "lng")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hasLat && hasLng {
		near = &models.Position{Lat: lat, Lng: lng}
	}
	places, err := s.Places.Autocomplete(r.Context(), q, near)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"places": places})
}

func (s *Server) handleReverseGeocode(w http.ResponseWriter, r *http.Request) {
	if s.Places == nil {
		s.writeError(w, r, routing.ErrNoProvider)
		return
	}
	lat, hasLat, err := queryFloat(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, hasLng, err := queryFloat(r, "lng")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !hasLat || !hasLng {
		s.writeError(w, r, errInput{errInvalid("lat/lng")})
		return
	}
	addr, err := s.Places.ReverseGeocode(r.Context(), models.Position{Lat: lat, Lng: lng})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr})
}

type broadcastRequest struct {
	Center   models.Position  `json:"center"`
	Role     models.Role      `json:"role"`
	RadiusKm float64          `json:"radius_km"`
	Message  dispatch.Message `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var in broadcastRequest
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !in.Role.Valid() {
		s.writeError(w, r, dispatch.ErrInvalidRole)
		return
	}
	n := s.Dispatch.BroadcastNearby(r.Context(), in.Center, in.Role, in.RadiusKm, in.Message)
	writeJSON(w, http.StatusOK, map[string]any{"addressed": n})
}
