package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridepool/internal/dispatch"
	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/ride"
	"github.com/example/ridepool/internal/routing"
)

type Server struct {
	Rides    *ride.Service
	Dispatch *dispatch.Coordinator
	Hub      *dispatch.Hub
	Places   routing.Provider // optional; place endpoints report 503 without it

	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(rides *ride.Service, coord *dispatch.Coordinator, hub *dispatch.Hub, places routing.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Rides:    rides,
		Dispatch: coord,
		Hub:      hub,
		Places:   places,
		logger:   logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/users/{user_id}/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/intent", s.handleUpdateIntent).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/arrive", s.handleArrive).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/otp", s.handleCurrentOtp).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/otp/verify", s.handleVerifyOtp).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/otp/reissue", s.handleReissueOtp).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/early-completion", s.handleEarlyCompletion).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/confirm", s.handleConfirm).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/dispute-outcome", s.handleDisputeOutcome).Methods(http.MethodPost)

	api.HandleFunc("/pool/candidates", s.handlePoolCandidates).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/pool/join", s.handlePoolJoin).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/pool/consent", s.handlePoolConsent).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/pool/add", s.handlePoolAdd).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/pool/leave", s.handlePoolLeave).Methods(http.MethodPost)

	api.HandleFunc("/positions", s.handlePosition).Methods(http.MethodPost)
	api.HandleFunc("/positions/offline", s.handleOffline).Methods(http.MethodPost)
	api.HandleFunc("/quotes", s.handleQuote).Methods(http.MethodPost)
	api.HandleFunc("/places/autocomplete", s.handleAutocomplete).Methods(http.MethodGet)
	api.HandleFunc("/places/reverse", s.handleReverseGeocode).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/broadcast", s.handleBroadcast).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("ws upgrade failed", "user_id", id, "err", err)
		return
	}
	go s.Hub.Serve(id, conn, s.Rides.IsParticipant)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errInput{err}
	}
	return nil
}

type errInput struct{ err error }

func (e errInput) Error() string { return "invalid input: " + e.err.Error() }

type errorResponse struct {
	Error    string   `json:"error"`
	Code     string   `json:"code"`
	Op       string   `json:"op,omitempty"`
	Expected []string `json:"expected,omitempty"`
	Actual   string   `json:"actual,omitempty"`
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var se *ride.StateError
	var eb errInput
	switch {
	case errors.As(err, &se):
		status, resp.Code = http.StatusConflict, "invalid_state"
		resp.Op, resp.Actual = se.Op, string(se.Actual)
		for _, e := range se.Expected {
			resp.Expected = append(resp.Expected, string(e))
		}
	case errors.As(err, &eb), errors.Is(err, ride.ErrBadRequest), errors.Is(err, dispatch.ErrInvalidRole),
		errors.Is(err, geo.ErrMissingCoordinates), errors.Is(err, geo.ErrInvalidCoordinates):
		status, resp.Code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, ride.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, ride.ErrNotParticipant):
		status, resp.Code = http.StatusForbidden, "not_participant"
	case errors.Is(err, ride.ErrInvalidOtp):
		status, resp.Code = http.StatusConflict, "invalid_otp"
	case errors.Is(err, ride.ErrExpiredOtp):
		status, resp.Code = http.StatusConflict, "expired_otp"
	case errors.Is(err, ride.ErrOtpLocked):
		status, resp.Code = http.StatusConflict, "otp_locked"
	case errors.Is(err, ride.ErrConsentPending):
		status, resp.Code = http.StatusConflict, "consent_pending"
	case errors.Is(err, ride.ErrNothingPending):
		status, resp.Code = http.StatusConflict, "nothing_pending"
	case errors.Is(err, ride.ErrConflict):
		status, resp.Code = http.StatusConflict, "conflict"
	case errors.Is(err, ride.ErrPoolFull):
		status, resp.Code = http.StatusUnprocessableEntity, "pool_full"
	case errors.Is(err, ride.ErrNotOnRoute):
		status, resp.Code = http.StatusUnprocessableEntity, "not_on_route"
	case errors.Is(err, ride.ErrIncompatible):
		status, resp.Code = http.StatusUnprocessableEntity, "incompatible_preferences"
	case errors.Is(err, ride.ErrEndingEarly):
		status, resp.Code = http.StatusConflict, "early_completion_pending"
	case errors.Is(err, ride.ErrPoolingUnavailable):
		status, resp.Code = http.StatusServiceUnavailable, "pooling_unavailable"
	case errors.Is(err, routing.ErrNoProvider), errors.Is(err, routing.ErrUnsupported):
		status, resp.Code = http.StatusServiceUnavailable, "provider_unavailable"
	default:
		resp.Code = "internal"
		resp.Error = "internal error"
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
	}
	writeJSON(w, status, resp)
}

func queryFloat(r *http.Request, key string) (float64, bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, errInput{err}
	}
	return f, true, nil
}

type errInvalid string

func (e errInvalid) Error() string { return "missing or invalid " + string(e) }
