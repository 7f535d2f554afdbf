// Package ride owns the ride lifecycle: booking, the status machine with
// OTP-gated boarding, early completion and disputes, and the consent-gated
// pool join flow. Every mutation of a ride runs inside that ride's serial
// section; provider and payment calls happen outside it.
package ride

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridepool/internal/eta"
	"github.com/example/ridepool/internal/fare"
	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
	"github.com/example/ridepool/internal/storage"
)

// RouteProvider returns candidate routes between two points.
type RouteProvider interface {
	Directions(ctx context.Context, origin, destination models.Position) ([]models.RouteOption, error)
}

// Payments holds, captures and releases rider funds. Amounts are in major
// currency units.
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string, amount int64) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type ConsentPolicy string

const (
	// ConsentAny lets a single occupant approval unlock the driver's add.
	ConsentAny ConsentPolicy = "any"
	// ConsentUnanimous requires every current occupant to approve.
	ConsentUnanimous ConsentPolicy = "unanimous"
)

type Config struct {
	BufferKm       float64
	SearchRadiusKm float64
	OTP            OTPPolicy
	Consent        ConsentPolicy
	Currency       string
}

func DefaultConfig() Config {
	return Config{
		BufferKm:       0.5,
		SearchRadiusKm: 6,
		OTP:            DefaultOTPPolicy(),
		Consent:        ConsentAny,
		Currency:       "inr",
	}
}

type Service struct {
	Store    storage.RideStore
	Routes   RouteProvider // nil degrades booking to straight-line estimates
	Payments Payments      // optional
	Events   EventSink     // optional
	Logger   *slog.Logger
	Config   Config
	Now      func() time.Time
	NewID    func() string

	serial Serial
}

func NewService(store storage.RideStore, cfg Config, logger *slog.Logger) *Service {
	return &Service{Store: store, Config: cfg, Logger: logger}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) otpPolicy() OTPPolicy { return s.Config.OTP.normalized() }

func (s *Service) bufferKm() float64 {
	if s.Config.BufferKm > 0 {
		return s.Config.BufferKm
	}
	return 0.5
}

func (s *Service) currency() string {
	if s.Config.Currency != "" {
		return s.Config.Currency
	}
	return "inr"
}

// mutation edits r in place and returns the events to publish on commit.
type mutation func(r *models.Ride, now time.Time) ([]Event, error)

// exec loads the ride, applies fn to a copy inside the ride's serial section
// and persists the copy only if fn succeeds (or returns a committed error).
func (s *Service) exec(ctx context.Context, op, rideID string, fn mutation) (*models.Ride, error) {
	var (
		out    *models.Ride
		events []Event
	)
	err := s.serial.Do(ctx, rideID, func() error {
		cur, err := s.Store.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		now := s.now()
		next := cur.Clone()
		evs, ferr := fn(next, now)
		var keep *committed
		if ferr != nil && !errors.As(ferr, &keep) {
			return ferr
		}
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		if err := s.Store.UpdateRide(ctx, next); err != nil {
			return err
		}
		out = next
		events = evs
		if keep != nil {
			return keep.err
		}
		return nil
	})
	if err != nil {
		s.report(op, rideID, err)
		return out, err
	}
	observability.RideTransitionsTotal.WithLabelValues(op, string(out.Status)).Inc()
	s.publish(ctx, out, events)
	return out, nil
}

func (s *Service) report(op, rideID string, err error) {
	var se *StateError
	switch {
	case errors.As(err, &se):
		observability.RideConflictsTotal.WithLabelValues(op).Inc()
		s.log().Info("ride command rejected", "ride_id", rideID, "op", op, "expected", se.Expected, "actual", se.Actual)
	case errors.Is(err, ErrPoolFull), errors.Is(err, ErrNotOnRoute), errors.Is(err, ErrIncompatible),
		errors.Is(err, ErrConsentPending), errors.Is(err, ErrEndingEarly):
		s.log().Debug("pool request not satisfied", "ride_id", rideID, "op", op, "reason", err.Error())
	case errors.Is(err, ErrInvalidOtp), errors.Is(err, ErrExpiredOtp), errors.Is(err, ErrOtpLocked):
		s.log().Info("otp rejected", "ride_id", rideID, "op", op, "reason", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBadRequest), errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrNothingPending), errors.Is(err, ErrPoolingUnavailable), errors.Is(err, context.Canceled):
		s.log().Debug("ride command refused", "ride_id", rideID, "op", op, "reason", err.Error())
	default:
		s.log().Error("ride command failed", "ride_id", rideID, "op", op, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, r *models.Ride, events []Event) {
	if s.Events == nil || len(events) == 0 {
		return
	}
	snap := r.Clone()
	for _, ev := range events {
		ev.RideID = r.ID
		ev.Status = r.Status
		if ev.Ride == nil {
			ev.Ride = snap
		}
		if ev.At.IsZero() {
			ev.At = r.UpdatedAt
		}
		s.Events.Publish(ctx, ev)
	}
}

type RequestInput struct {
	RiderID     string             `json:"rider_id"`
	Pickup      models.Place       `json:"pickup"`
	Dropoff     models.Place       `json:"dropoff"`
	Preferences models.Preferences `json:"preferences"`
}

// Booking is a created ride plus a quote for every route alternative.
type Booking struct {
	Ride   *models.Ride `json:"ride"`
	Quotes []fare.Quote `json:"quotes"`
}

type routePlan struct {
	options  []models.RouteOption
	quotes   []fare.Quote
	degraded bool
}

// plan prices every route alternative. When the provider fails, a single
// straight-line estimate is returned and the plan is marked degraded.
func (s *Service) plan(ctx context.Context, pickup, dropoff models.Position, v models.VehicleCategory) routePlan {
	var (
		opts []models.RouteOption
		err  error
	)
	if s.Routes != nil {
		opts, err = s.Routes.Directions(ctx, pickup, dropoff)
	}
	if s.Routes == nil || err != nil || len(opts) == 0 {
		if err != nil {
			s.log().Warn("routing unavailable, using straight-line estimate", "err", err)
		}
		km := geo.HaversineKm(pickup, dropoff)
		dur := int64(eta.EstimateSeconds(pickup, dropoff, 0))
		q := fare.QuoteFor(v, 0, km, dur)
		q.Estimated = true
		return routePlan{
			options:  []models.RouteOption{{DistanceMeters: int64(km * 1000), DurationSeconds: dur}},
			quotes:   []fare.Quote{q},
			degraded: true,
		}
	}
	quotes := make([]fare.Quote, len(opts))
	for i, o := range opts {
		quotes[i] = fare.QuoteFor(v, i, float64(o.DistanceMeters)/1000, o.DurationSeconds)
	}
	return routePlan{options: opts, quotes: quotes}
}

// Quote prices a trip without creating a ride.
func (s *Service) Quote(ctx context.Context, pickup, dropoff models.Position, v models.VehicleCategory) ([]fare.Quote, error) {
	if err := validatePlaces(pickup, dropoff); err != nil {
		return nil, err
	}
	if v == "" {
		v = models.VehicleCar
	}
	if !v.Valid() {
		return nil, badRequest("unknown vehicle %q", v)
	}
	return s.plan(ctx, pickup, dropoff, v).quotes, nil
}

func validatePlaces(pickup, dropoff models.Position) error {
	if err := geo.Validate(pickup); err != nil {
		return badRequest("pickup: %v", err)
	}
	if err := geo.Validate(dropoff); err != nil {
		return badRequest("dropoff: %v", err)
	}
	return nil
}

func normalizePreferences(p models.Preferences) (models.Preferences, error) {
	if p.Vehicle == "" {
		p.Vehicle = models.VehicleCar
	}
	if !p.Vehicle.Valid() {
		return p, badRequest("unknown vehicle %q", p.Vehicle)
	}
	if p.Pooled && !p.Vehicle.Poolable() {
		return p, badRequest("vehicle %s cannot be pooled", p.Vehicle)
	}
	if p.RouteIndex < 0 {
		return p, badRequest("route_index must be >= 0")
	}
	limit := fare.MaxPoolSize(p.Vehicle)
	switch {
	case !p.Pooled:
		p.MaxPoolSize = 1
	case p.MaxPoolSize == 0 || p.MaxPoolSize > limit:
		p.MaxPoolSize = limit
	case p.MaxPoolSize < 2:
		return p, badRequest("max_pool_size must be at least 2 for a pooled ride")
	}
	return p, nil
}

func applyPlan(r *models.Ride, pl routePlan, p models.Preferences) error {
	idx := p.RouteIndex
	if pl.degraded {
		idx = 0
	}
	if idx >= len(pl.options) {
		return badRequest("route_index %d out of range (%d alternatives)", idx, len(pl.options))
	}
	opt, q := pl.options[idx], pl.quotes[idx]
	r.Vehicle = p.Vehicle
	r.RouteIndex = idx
	r.Polyline = opt.Polyline
	r.DistanceKm = q.DistanceKm
	r.DurationS = q.DurationS
	r.BaseFare = q.Fare
	r.CurrentFare = q.Fare
	r.CO2Emissions = q.CO2
	r.CO2Saved = 0
	r.IsPooled = p.Pooled && !pl.degraded
	r.PoolingUnavailable = p.Pooled && pl.degraded
	r.MaxPoolSize = p.MaxPoolSize
	r.GenderPreference = p.GenderPreference
	r.AccessibilityOptions = append([]string(nil), p.AccessibilityOptions...)
	r.SafetyOptions = append([]string(nil), p.SafetyOptions...)
	return nil
}

// RequestRide books a ride in SEARCHING. A routing failure still books the
// ride with an estimated fare; pooling is then reported unavailable.
func (s *Service) RequestRide(ctx context.Context, in RequestInput) (*Booking, error) {
	if in.RiderID == "" {
		return nil, badRequest("rider_id is required")
	}
	if err := validatePlaces(in.Pickup.Position, in.Dropoff.Position); err != nil {
		return nil, err
	}
	prefs, err := normalizePreferences(in.Preferences)
	if err != nil {
		return nil, err
	}
	pl := s.plan(ctx, in.Pickup.Position, in.Dropoff.Position, prefs.Vehicle)

	now := s.now()
	r := &models.Ride{
		ID:           s.newID(),
		RiderID:      in.RiderID,
		Pickup:       in.Pickup,
		Dropoff:      in.Dropoff,
		Status:       models.StatusSearching,
		PooledRiders: []models.PooledRider{},
		Version:      1,
		BookingTime:  now,
		UpdatedAt:    now,
	}
	if err := applyPlan(r, pl, prefs); err != nil {
		return nil, err
	}
	if err := s.Store.SaveRide(ctx, r); err != nil {
		s.log().Error("save ride failed", "rider_id", in.RiderID, "err", err)
		return nil, err
	}
	observability.RideTransitionsTotal.WithLabelValues("request", string(r.Status)).Inc()
	s.log().Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID, "vehicle", r.Vehicle,
		"pooled", r.IsPooled, "pooling_unavailable", r.PoolingUnavailable, "base_fare", r.BaseFare)
	s.publish(ctx, r, []Event{{Type: EventRequested}})
	return &Booking{Ride: r.Clone(), Quotes: pl.quotes}, nil
}

// TripIntent carries the fields a rider may change while searching. Nil
// fields are left unchanged.
type TripIntent struct {
	Pickup      *models.Place       `json:"pickup,omitempty"`
	Dropoff     *models.Place       `json:"dropoff,omitempty"`
	Preferences *models.Preferences `json:"preferences,omitempty"`
}

func (s *Service) UpdateTripIntent(ctx context.Context, rideID, riderID string, in TripIntent) (*models.Ride, error) {
	cur, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if cur.RiderID != riderID {
		return nil, ErrNotParticipant
	}
	if err := expect("update_intent", cur, models.StatusSearching); err != nil {
		s.report("update_intent", rideID, err)
		return nil, err
	}
	pickup, dropoff := cur.Pickup, cur.Dropoff
	if in.Pickup != nil {
		pickup = *in.Pickup
	}
	if in.Dropoff != nil {
		dropoff = *in.Dropoff
	}
	prefs := models.Preferences{
		Vehicle:              cur.Vehicle,
		Pooled:               cur.IsPooled || cur.PoolingUnavailable,
		MaxPoolSize:          cur.MaxPoolSize,
		GenderPreference:     cur.GenderPreference,
		AccessibilityOptions: cur.AccessibilityOptions,
		SafetyOptions:        cur.SafetyOptions,
		RouteIndex:           cur.RouteIndex,
	}
	if in.Preferences != nil {
		prefs = *in.Preferences
	}
	if err := validatePlaces(pickup.Position, dropoff.Position); err != nil {
		return nil, err
	}
	if prefs, err = normalizePreferences(prefs); err != nil {
		return nil, err
	}
	pl := s.plan(ctx, pickup.Position, dropoff.Position, prefs.Vehicle)

	return s.exec(ctx, "update_intent", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("update_intent", r, models.StatusSearching); err != nil {
			return nil, err
		}
		if r.Version != cur.Version {
			return nil, ErrConflict
		}
		r.Pickup, r.Dropoff = pickup, dropoff
		if err := applyPlan(r, pl, prefs); err != nil {
			return nil, err
		}
		return []Event{{Type: EventIntentUpdated}}, nil
	})
}

// AcceptRide assigns the driver, freezes the fare and issues masked contact
// handles. A payment hold for the base fare is placed after the commit.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, badRequest("driver_id is required")
	}
	r, err := s.exec(ctx, "accept", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("accept", r, models.StatusSearching); err != nil {
			return nil, err
		}
		if driverID == r.RiderID {
			return nil, badRequest("a rider cannot drive their own ride")
		}
		d := driverID
		r.DriverID = &d
		r.FareFrozen = true
		r.Contact = models.Contact{RiderMasked: s.maskedHandle("rider"), DriverMasked: s.maskedHandle("driver")}
		r.Status = models.StatusAccepted
		r.AcceptedAt = &now
		return []Event{{Type: EventAccepted}}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log().Info("ride accepted", "ride_id", r.ID, "driver_id", driverID, "base_fare", r.BaseFare)
	s.holdPayment(ctx, r)
	return r, nil
}

func (s *Service) maskedHandle(kind string) string {
	id := s.newID()
	if len(id) > 8 {
		id = id[:8]
	}
	return "relay-" + kind + "-" + id
}

func (s *Service) holdPayment(ctx context.Context, r *models.Ride) {
	if s.Payments == nil {
		return
	}
	intent, err := s.Payments.Hold(ctx, r.BaseFare, s.currency(), r.RiderID)
	if err != nil {
		observability.PaymentFailuresTotal.WithLabelValues("hold").Inc()
		s.log().Warn("payment hold failed", "ride_id", r.ID, "err", err)
		return
	}
	_, err = s.exec(ctx, "attach_payment", r.ID, func(cur *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("attach_payment", cur, models.StatusAccepted, models.StatusArrived, models.StatusInProgress); err != nil {
			return nil, err
		}
		cur.PaymentIntentID = intent
		return nil, nil
	})
	if err == nil {
		r.PaymentIntentID = intent
		return
	}
	if err := s.Payments.Cancel(ctx, intent); err != nil {
		observability.PaymentFailuresTotal.WithLabelValues("cancel").Inc()
		s.log().Warn("release orphan hold failed", "ride_id", r.ID, "payment_intent", intent, "err", err)
	}
}

// MarkArrived moves an accepted ride to ARRIVED and issues the boarding OTP,
// which is delivered to the rider only.
func (s *Service) MarkArrived(ctx context.Context, rideID, driverID string) (string, *models.Ride, error) {
	var code string
	r, err := s.exec(ctx, "arrive", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("arrive", r, models.StatusAccepted); err != nil {
			return nil, err
		}
		if r.Driver() != driverID {
			return nil, ErrNotParticipant
		}
		c, err := issueOTP(r, s.otpPolicy(), now)
		if err != nil {
			return nil, err
		}
		code = c
		r.Status = models.StatusArrived
		r.ArrivedAt = &now
		return []Event{
			{Type: EventArrived},
			otpEvent(r, c),
		}, nil
	})
	if err != nil {
		return "", nil, err
	}
	return code, r, nil
}

func otpEvent(r *models.Ride, code string) Event {
	return Event{
		Type:       EventOTP,
		Recipients: []string{r.RiderID},
		Data:       map[string]any{"otp": code, "generated_at": r.OTPGeneratedAt},
	}
}

// ReissueOtp replaces the code of an arrived ride, e.g. after expiry or lockout.
func (s *Service) ReissueOtp(ctx context.Context, rideID, driverID string) (string, error) {
	var code string
	_, err := s.exec(ctx, "reissue_otp", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("reissue_otp", r, models.StatusArrived); err != nil {
			return nil, err
		}
		if r.Driver() != driverID {
			return nil, ErrNotParticipant
		}
		c, err := issueOTP(r, s.otpPolicy(), now)
		if err != nil {
			return nil, err
		}
		code = c
		return []Event{otpEvent(r, c)}, nil
	})
	return code, err
}

// CurrentOtp lets the ride owner read the live code while the driver waits.
func (s *Service) CurrentOtp(ctx context.Context, rideID, riderID string) (string, time.Time, error) {
	r, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return "", time.Time{}, err
	}
	if r.RiderID != riderID {
		return "", time.Time{}, ErrNotParticipant
	}
	if err := expect("read_otp", r, models.StatusArrived); err != nil {
		return "", time.Time{}, err
	}
	if r.OTPGeneratedAt == nil {
		return "", time.Time{}, ErrInvalidOtp
	}
	return r.OTP, r.OTPGeneratedAt.Add(s.otpPolicy().TTL), nil
}

// VerifyOtp starts the trip when code matches. Wrong codes count towards the
// lockout; expired codes are reported distinctly.
func (s *Service) VerifyOtp(ctx context.Context, rideID, driverID, code string) (*models.Ride, error) {
	r, err := s.exec(ctx, "verify_otp", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("verify_otp", r, models.StatusArrived); err != nil {
			return nil, err
		}
		if r.Driver() != driverID {
			return nil, ErrNotParticipant
		}
		if err := checkOTP(r, s.otpPolicy(), code, now); err != nil {
			return nil, err
		}
		r.OTPVerified = true
		r.OTP = ""
		r.OTPAttempts = 0
		r.Status = models.StatusInProgress
		r.StartedAt = &now
		return []Event{{Type: EventStarted}}, nil
	})
	observability.OTPVerificationsTotal.WithLabelValues(otpOutcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return r, nil
}

func otpOutcome(err error) string {
	switch {
	case err == nil:
		return "verified"
	case errors.Is(err, ErrInvalidOtp):
		return "invalid"
	case errors.Is(err, ErrExpiredOtp):
		return "expired"
	case errors.Is(err, ErrOtpLocked):
		return "locked"
	default:
		return "rejected"
	}
}

// dropPending discards join entries that never reached JOINED and returns
// the events telling their requesters.
func dropPending(r *models.Ride, reason string) []Event {
	kept := r.PooledRiders[:0]
	var events []Event
	for _, p := range r.PooledRiders {
		if p.Status == models.JoinJoined {
			kept = append(kept, p)
			continue
		}
		events = append(events, Event{
			Type:       EventPoolJoinDeclined,
			Recipients: []string{p.RiderID},
			Data:       map[string]any{"rider_id": p.RiderID, "reason": reason},
		})
	}
	r.PooledRiders = kept
	return events
}

// CompleteRide finishes an in-progress trip at its current fare; the fare is
// immutable afterwards.
func (s *Service) CompleteRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.exec(ctx, "complete", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("complete", r, models.StatusInProgress); err != nil {
			return nil, err
		}
		if r.Driver() != driverID {
			return nil, ErrNotParticipant
		}
		events := dropPending(r, "ride completed")
		r.EarlyCompletion = nil
		r.CompletedFare = r.CurrentFare
		r.Status = models.StatusCompleted
		r.CompletedAt = &now
		return append(events, Event{Type: EventCompleted}), nil
	})
	if err != nil {
		return nil, err
	}
	s.log().Info("ride completed", "ride_id", r.ID, "fare", r.CompletedFare, "pooled_riders", len(r.PooledRiders))
	s.capturePayment(ctx, r)
	return r, nil
}

func (s *Service) capturePayment(ctx context.Context, r *models.Ride) {
	if s.Payments == nil || r.PaymentIntentID == "" {
		return
	}
	if err := s.Payments.Capture(ctx, r.PaymentIntentID, r.CompletedFare); err != nil {
		observability.PaymentFailuresTotal.WithLabelValues("capture").Inc()
		s.log().Warn("payment capture failed", "ride_id", r.ID, "payment_intent", r.PaymentIntentID, "err", err)
	}
}

// RequestEarlyCompletion proposes ending the trip short of the dropoff at a
// fare prorated by the distance actually travelled. The rider must confirm.
func (s *Service) RequestEarlyCompletion(ctx context.Context, rideID, driverID string, actualDistanceKm float64) (*models.Ride, error) {
	if actualDistanceKm < 0 {
		return nil, badRequest("actual_distance_km must be >= 0")
	}
	return s.exec(ctx, "request_early_completion", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("request_early_completion", r, models.StatusInProgress); err != nil {
			return nil, err
		}
		if r.Driver() != driverID {
			return nil, ErrNotParticipant
		}
		if r.EarlyCompletion != nil {
			return nil, ErrConsentPending
		}
		r.EarlyCompletion = &models.EarlyCompletion{
			ActualDistanceKm: actualDistanceKm,
			ProratedFare:     fare.Prorated(r.CurrentFare, r.DistanceKm, actualDistanceKm),
			RequestedAt:      now,
		}
		return []Event{{
			Type:       EventEarlyCompletion,
			Recipients: []string{r.RiderID},
			Data:       map[string]any{"prorated_fare": r.EarlyCompletion.ProratedFare, "actual_distance_km": actualDistanceKm},
		}}, nil
	})
}

// ConfirmCompletion resolves a pending early completion. Confirming completes
// the ride at the prorated fare; disputing keeps it IN_PROGRESS and flags it
// for reconciliation.
func (s *Service) ConfirmCompletion(ctx context.Context, rideID, riderID string, confirmed bool) (*models.Ride, error) {
	r, err := s.exec(ctx, "confirm_completion", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("confirm_completion", r, models.StatusInProgress); err != nil {
			return nil, err
		}
		if r.RiderID != riderID {
			return nil, ErrNotParticipant
		}
		if r.EarlyCompletion == nil {
			return nil, ErrNothingPending
		}
		if !confirmed {
			r.Disputed = true
			r.EarlyCompletion = nil
			return []Event{{Type: EventDisputed}}, nil
		}
		events := dropPending(r, "ride completed")
		r.CurrentFare = r.EarlyCompletion.ProratedFare
		r.CompletedFare = r.CurrentFare
		r.Status = models.StatusCompleted
		r.CompletedAt = &now
		return append(events, Event{Type: EventCompleted}), nil
	})
	if err != nil {
		return nil, err
	}
	if r.Status == models.StatusCompleted {
		s.capturePayment(ctx, r)
	} else {
		s.log().Warn("early completion disputed", "ride_id", r.ID)
	}
	return r, nil
}

// CancelRide cancels a ride before boarding. Either the owner or the assigned
// driver may cancel.
func (s *Service) CancelRide(ctx context.Context, rideID, actorID, reason string) (*models.Ride, error) {
	r, err := s.exec(ctx, "cancel", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("cancel", r, models.StatusSearching, models.StatusAccepted, models.StatusArrived); err != nil {
			return nil, err
		}
		if actorID != r.RiderID && (r.DriverID == nil || actorID != *r.DriverID) {
			return nil, ErrNotParticipant
		}
		events := dropPending(r, "ride canceled")
		r.Status = models.StatusCanceled
		r.CanceledAt = &now
		r.CancelReason = reason
		r.OTP = ""
		return append(events, Event{Type: EventCanceled, Data: map[string]any{"by": actorID, "reason": reason}}), nil
	})
	if err != nil {
		return nil, err
	}
	s.log().Info("ride canceled", "ride_id", r.ID, "by", actorID, "reason", reason)
	if s.Payments != nil && r.PaymentIntentID != "" {
		if err := s.Payments.Cancel(ctx, r.PaymentIntentID); err != nil {
			observability.PaymentFailuresTotal.WithLabelValues("cancel").Inc()
			s.log().Warn("payment release failed", "ride_id", r.ID, "err", err)
		}
	}
	return r, nil
}

// RecordDisputeOutcome stores the reconciliation result on a finished ride.
func (s *Service) RecordDisputeOutcome(ctx context.Context, rideID, outcome string) (*models.Ride, error) {
	if outcome == "" {
		return nil, badRequest("outcome is required")
	}
	return s.exec(ctx, "dispute_outcome", rideID, func(r *models.Ride, now time.Time) ([]Event, error) {
		if err := expect("dispute_outcome", r, models.StatusCompleted, models.StatusCanceled); err != nil {
			return nil, err
		}
		r.DisputeOutcome = outcome
		return []Event{{Type: EventDisputeOutcome, Data: map[string]any{"outcome": outcome}}}, nil
	})
}

func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, rideID)
}

// ListByParticipant returns rides the user owned, drove or joined, newest first.
func (s *Service) ListByParticipant(ctx context.Context, userID string, limit int) ([]*models.Ride, error) {
	if userID == "" {
		return nil, badRequest("user id is required")
	}
	return s.Store.ListByParticipant(ctx, userID, limit)
}

// IsParticipant reports whether userID is the owner, the driver or a pooled
// rider with a live entry on the ride. Unknown rides have no participants.
func (s *Service) IsParticipant(ctx context.Context, rideID, userID string) (bool, error) {
	if rideID == "" || userID == "" {
		return false, nil
	}
	r, err := s.Store.GetRide(ctx, rideID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if userID == r.RiderID || userID == r.Driver() {
		return true, nil
	}
	_, p := r.FindPooledRider(userID)
	return p != nil && p.Status != models.JoinDeclined, nil
}
