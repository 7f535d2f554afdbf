package ride

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/storage"
)

var northbound = models.Route{
	{Lat: 11.00, Lng: 76.96},
	{Lat: 11.01, Lng: 76.96},
	{Lat: 11.02, Lng: 76.96},
	{Lat: 11.03, Lng: 76.96},
	{Lat: 11.04, Lng: 76.96},
}

type fakeRoutes struct {
	opts []models.RouteOption
	err  error
}

func (f *fakeRoutes) Directions(ctx context.Context, origin, destination models.Position) ([]models.RouteOption, error) {
	return f.opts, f.err
}

type fakePayments struct {
	mu       sync.Mutex
	holds    []int64
	captures []int64
	cancels  []string
}

func (f *fakePayments) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds = append(f.holds, amount)
	return fmt.Sprintf("pi_%d", len(f.holds)), nil
}

func (f *fakePayments) Capture(ctx context.Context, id string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, amount)
	return nil
}

func (f *fakePayments) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ctx context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) find(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	events   *recorder
	payments *fakePayments
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	f := &fixture{store: store, events: &recorder{}, payments: &fakePayments{}}
	f.svc = NewService(store, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.svc.Routes = &fakeRoutes{opts: []models.RouteOption{
		{DistanceMeters: 12500, DurationSeconds: 1500, Polyline: geo.EncodePolyline(northbound)},
		{DistanceMeters: 14000, DurationSeconds: 1400, Polyline: geo.EncodePolyline(northbound)},
	}}
	f.svc.Payments = f.payments
	f.svc.Events = f.events
	return f
}

func place(lat, lng float64) models.Place {
	return models.Place{Position: models.Position{Lat: lat, Lng: lng}}
}

func (f *fixture) book(t *testing.T, pooled bool) *models.Ride {
	t.Helper()
	b, err := f.svc.RequestRide(context.Background(), RequestInput{
		RiderID:     "rider-1",
		Pickup:      place(11.00, 76.96),
		Dropoff:     place(11.04, 76.96),
		Preferences: models.Preferences{Vehicle: models.VehicleCar, Pooled: pooled},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return b.Ride
}

// startTrip books, accepts, arrives and verifies the OTP.
func (f *fixture) startTrip(t *testing.T, pooled bool) *models.Ride {
	t.Helper()
	ctx := context.Background()
	r := f.book(t, pooled)
	if _, err := f.svc.AcceptRide(ctx, r.ID, "driver-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	code, _, err := f.svc.MarkArrived(ctx, r.ID, "driver-1")
	if err != nil {
		t.Fatalf("arrive: %v", err)
	}
	r, err = f.svc.VerifyOtp(ctx, r.ID, "driver-1", code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return r
}

// approveJoin runs the consent protocol up to OCCUPANT_APPROVED.
func (f *fixture) approveJoin(t *testing.T, rideID, rider string, occupants ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.RequestPoolJoin(ctx, rideID, JoinInput{RiderID: rider, Pickup: place(11.015, 76.96), Dropoff: place(11.035, 76.96)}); err != nil {
		t.Fatalf("join request: %v", err)
	}
	if _, err := f.svc.ResolvePoolConsent(ctx, rideID, rider, "driver-1", true); err != nil {
		t.Fatalf("driver consent: %v", err)
	}
	for _, o := range occupants {
		if _, err := f.svc.ResolvePoolConsent(ctx, rideID, rider, o, true); err != nil {
			t.Fatalf("occupant %s consent: %v", o, err)
		}
	}
}

func wrongCode(code string) string {
	if code == "0000" {
		return "1111"
	}
	return "0000"
}

func assertState(t *testing.T, err error, actual models.Status) {
	t.Helper()
	var se *StateError
	if !errors.As(err, &se) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if se.Actual != actual {
		t.Fatalf("expected actual %s, got %s", actual, se.Actual)
	}
}

func TestEndToEndPooledRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.book(t, true)
	if r.Status != models.StatusSearching || r.BaseFare != 180 || r.CurrentFare != 180 || !r.IsPooled {
		t.Fatalf("unexpected booking %+v", r)
	}

	_, err := f.svc.VerifyOtp(ctx, r.ID, "driver-1", "1234")
	assertState(t, err, models.StatusSearching)

	r, err = f.svc.AcceptRide(ctx, r.ID, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusAccepted || r.Driver() != "driver-1" || !r.FareFrozen {
		t.Fatalf("unexpected accepted ride %+v", r)
	}
	if r.Contact.RiderMasked == "" || r.Contact.DriverMasked == "" {
		t.Fatal("expected masked contact handles")
	}

	code, r, err := f.svc.MarkArrived(ctx, r.ID, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(code) < 4 || len(code) > 6 || r.Status != models.StatusArrived {
		t.Fatalf("unexpected otp %q status %s", code, r.Status)
	}
	otps := f.events.find(EventOTP)
	if len(otps) != 1 || len(otps[0].Recipients) != 1 || otps[0].Recipients[0] != "rider-1" {
		t.Fatalf("otp must be addressed to the rider only: %+v", otps)
	}

	if _, err := f.svc.VerifyOtp(ctx, r.ID, "driver-1", wrongCode(code)); !errors.Is(err, ErrInvalidOtp) {
		t.Fatalf("expected ErrInvalidOtp, got %v", err)
	}
	stored, _ := f.store.GetRide(ctx, r.ID)
	if stored.Status != models.StatusArrived || stored.OTPAttempts != 1 || stored.OTPVerified {
		t.Fatalf("wrong code must only bump attempts: %+v", stored)
	}

	r, err = f.svc.VerifyOtp(ctx, r.ID, "driver-1", code)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusInProgress || !r.OTPVerified || r.OTP != "" {
		t.Fatalf("unexpected started ride %+v", r)
	}
	if _, err := f.svc.VerifyOtp(ctx, r.ID, "driver-1", code); err == nil {
		t.Fatal("otp must be single use")
	}

	if _, err := f.svc.RequestPoolJoin(ctx, r.ID, JoinInput{RiderID: "rider-2", Pickup: place(11.015, 76.96), Dropoff: place(11.035, 76.96)}); err != nil {
		t.Fatal(err)
	}
	if reqs := f.events.find(EventPoolJoinRequest); len(reqs) != 1 || reqs[0].Recipients[0] != "driver-1" {
		t.Fatalf("join request must go to the driver: %+v", reqs)
	}
	if _, err := f.svc.AddToPool(ctx, r.ID, "driver-1", "rider-2"); !errors.Is(err, ErrConsentPending) {
		t.Fatalf("add before consent: expected ErrConsentPending, got %v", err)
	}
	if _, err := f.svc.ResolvePoolConsent(ctx, r.ID, "rider-2", "rider-1", true); !errors.Is(err, ErrConsentPending) {
		t.Fatalf("occupant before driver: expected ErrConsentPending, got %v", err)
	}
	r, err = f.svc.ResolvePoolConsent(ctx, r.ID, "rider-2", "driver-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, p := r.FindPooledRider("rider-2"); p.Status != models.JoinDriverApproved {
		t.Fatalf("expected DRIVER_APPROVED, got %s", p.Status)
	}
	consent := f.events.find(EventPoolConsentRequest)
	if len(consent) != 1 || len(consent[0].Recipients) != 1 || consent[0].Recipients[0] != "rider-1" {
		t.Fatalf("consent request must fan out to occupants: %+v", consent)
	}
	r, err = f.svc.ResolvePoolConsent(ctx, r.ID, "rider-2", "rider-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, p := r.FindPooledRider("rider-2"); p.Status != models.JoinOccupantApproved {
		t.Fatalf("expected OCCUPANT_APPROVED, got %s", p.Status)
	}

	r, err = f.svc.AddToPool(ctx, r.ID, "driver-1", "rider-2")
	if err != nil {
		t.Fatal(err)
	}
	if r.CurrentFare != 121 || len(r.PooledRiders) != 1 || r.PooledRiders[0].Status != models.JoinJoined {
		t.Fatalf("unexpected pooled ride fare=%d riders=%+v", r.CurrentFare, r.PooledRiders)
	}
	if r.CurrentFare > r.BaseFare || r.CO2Saved == 0 {
		t.Fatalf("fare must drop and co2 saved must be set: %+v", r)
	}
	if ups := f.events.find(EventFareUpdate); len(ups) != 1 || ups[0].Data["current_fare"] != int64(121) {
		t.Fatalf("expected a fare update event: %+v", ups)
	}

	r, err = f.svc.CompleteRide(ctx, r.ID, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusCompleted || r.CompletedFare != 121 {
		t.Fatalf("unexpected completion %+v", r)
	}
	if len(f.payments.holds) != 1 || f.payments.holds[0] != 180 || len(f.payments.captures) != 1 || f.payments.captures[0] != 121 {
		t.Fatalf("unexpected payments holds=%v captures=%v", f.payments.holds, f.payments.captures)
	}

	_, err = f.svc.LeavePool(ctx, r.ID, "rider-2")
	assertState(t, err, models.StatusCompleted)
	_, err = f.svc.CancelRide(ctx, r.ID, "rider-1", "late")
	assertState(t, err, models.StatusCompleted)
	final, _ := f.store.GetRide(ctx, r.ID)
	if final.CurrentFare != 121 || len(final.PooledRiders) != 1 {
		t.Fatalf("terminal ride mutated: %+v", final)
	}

	if r, err = f.svc.RecordDisputeOutcome(ctx, r.ID, "no action"); err != nil || r.DisputeOutcome != "no action" {
		t.Fatalf("dispute outcome: %v", err)
	}
	hist, err := f.svc.ListByParticipant(ctx, "rider-2", 0)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history for pooled rider: %v %d", err, len(hist))
	}
}

func TestOtpExpiryAndReissue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc.Now = func() time.Time { return clock }

	r := f.book(t, false)
	if _, err := f.svc.AcceptRide(ctx, r.ID, "driver-1"); err != nil {
		t.Fatal(err)
	}
	code, _, err := f.svc.MarkArrived(ctx, r.ID, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(6 * time.Minute)
	if _, err := f.svc.VerifyOtp(ctx, r.ID, "driver-1", code); !errors.Is(err, ErrExpiredOtp) {
		t.Fatalf("expected ErrExpiredOtp, got %v", err)
	}
	if errors.Is(ErrExpiredOtp, ErrInvalidOtp) {
		t.Fatal("expired and invalid must be distinct")
	}
	fresh, err := f.svc.ReissueOtp(ctx, r.ID, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := f.svc.CurrentOtp(ctx, r.ID, "rider-1")
	if err != nil || got != fresh {
		t.Fatalf("rider should read the reissued code: %q %v", got, err)
	}
	if _, _, err := f.svc.CurrentOtp(ctx, r.ID, "driver-1"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("driver must not read the otp, got %v", err)
	}
	if r, err = f.svc.VerifyOtp(ctx, r.ID, "driver-1", fresh); err != nil || r.Status != models.StatusInProgress {
		t.Fatalf("verify reissued: %v", err)
	}
}

func TestOtpLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.book(t, false)
	if _, err := f.svc.AcceptRide(ctx, r.ID, "driver-1"); err != nil {
		t.Fatal(err)
	}
	code, _, err := f.svc.MarkArrived(ctx, r.ID, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := f.svc.VerifyOtp(ctx, r.ID, "driver-1", wrongCode(code)); !errors.Is(err, ErrInvalidOtp) {
			t.Fatalf("attempt %d: expected ErrInvalidOtp, got %v", i, err)
		}
	}
	if _, err := f.svc.VerifyOtp(ctx, r.ID, "driver-1", code); !errors.Is(err, ErrOtpLocked) {
		t.Fatalf("expected ErrOtpLocked, got %v", err)
	}
	if _, err := f.svc.VerifyOtp(ctx, r.ID, "driver-2", code); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("other driver: expected ErrNotParticipant, got %v", err)
	}
}

func TestRoutingFailureDegradesToSolo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Routes = &fakeRoutes{err: errors.New("provider down")}

	b, err := f.svc.RequestRide(ctx, RequestInput{
		RiderID:     "rider-1",
		Pickup:      place(11.00, 76.96),
		Dropoff:     place(11.04, 76.96),
		Preferences: models.Preferences{Vehicle: models.VehicleCar, Pooled: true},
	})
	if err != nil {
		t.Fatalf("solo booking must proceed: %v", err)
	}
	if !b.Quotes[0].Estimated || b.Ride.IsPooled || !b.Ride.PoolingUnavailable || b.Ride.BaseFare <= 0 {
		t.Fatalf("unexpected degraded booking %+v", b)
	}
	if _, err := f.svc.AcceptRide(ctx, b.Ride.ID, "driver-1"); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.RequestPoolJoin(ctx, b.Ride.ID, JoinInput{RiderID: "rider-2", Pickup: place(11.01, 76.96), Dropoff: place(11.03, 76.96)})
	if !errors.Is(err, ErrPoolingUnavailable) {
		t.Fatalf("expected ErrPoolingUnavailable, got %v", err)
	}
}

func TestRequestRideValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []RequestInput{
		{RiderID: "", Pickup: place(11, 76.9), Dropoff: place(11.1, 76.9)},
		{RiderID: "r", Pickup: models.Place{}, Dropoff: place(11.1, 76.9)},
		{RiderID: "r", Pickup: place(11, 76.9), Dropoff: place(95, 76.9)},
		{RiderID: "r", Pickup: place(11, 76.9), Dropoff: place(11.1, 76.9), Preferences: models.Preferences{Vehicle: models.VehicleBike, Pooled: true}},
		{RiderID: "r", Pickup: place(11, 76.9), Dropoff: place(11.1, 76.9), Preferences: models.Preferences{Vehicle: "ROCKET"}},
		{RiderID: "r", Pickup: place(11, 76.9), Dropoff: place(11.1, 76.9), Preferences: models.Preferences{RouteIndex: 7}},
	}
	for i, in := range cases {
		if _, err := f.svc.RequestRide(ctx, in); !errors.Is(err, ErrBadRequest) {
			t.Errorf("case %d: expected ErrBadRequest, got %v", i, err)
		}
	}
}

func TestRouteIndexSelectsAlternative(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.RequestRide(context.Background(), RequestInput{
		RiderID:     "rider-1",
		Pickup:      place(11.00, 76.96),
		Dropoff:     place(11.04, 76.96),
		Preferences: models.Preferences{Vehicle: models.VehicleCar, RouteIndex: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Quotes) != 2 || b.Ride.RouteIndex != 1 || b.Ride.BaseFare != b.Quotes[1].Fare || b.Ride.DistanceKm != 14 {
		t.Fatalf("unexpected alternative selection %+v quotes=%+v", b.Ride, b.Quotes)
	}
}

func TestUpdateTripIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.book(t, false)
	np := place(11.01, 76.96)
	got, err := f.svc.UpdateTripIntent(ctx, r.ID, "rider-1", TripIntent{Pickup: &np})
	if err != nil {
		t.Fatal(err)
	}
	if got.Pickup.Lat != 11.01 {
		t.Fatalf("pickup not updated: %+v", got.Pickup)
	}
	if _, err := f.svc.UpdateTripIntent(ctx, r.ID, "rider-9", TripIntent{Pickup: &np}); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := f.svc.AcceptRide(ctx, r.ID, "driver-1"); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.UpdateTripIntent(ctx, r.ID, "rider-1", TripIntent{Pickup: &np})
	assertState(t, err, models.StatusAccepted)
}

func TestJoinRejectedWhenDirectionReversed(t *testing.T) {
	f := newFixture(t)
	r := f.startTrip(t, true)
	_, err := f.svc.RequestPoolJoin(context.Background(), r.ID, JoinInput{RiderID: "rider-2", Pickup: place(11.035, 76.96), Dropoff: place(11.015, 76.96)})
	if !errors.Is(err, ErrNotOnRoute) {
		t.Fatalf("expected ErrNotOnRoute, got %v", err)
	}
}

func TestJoinRejectedWhenFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.svc.RequestRide(ctx, RequestInput{
		RiderID:     "rider-1",
		Pickup:      place(11.00, 76.96),
		Dropoff:     place(11.04, 76.96),
		Preferences: models.Preferences{Vehicle: models.VehicleCar, Pooled: true, MaxPoolSize: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AcceptRide(ctx, b.Ride.ID, "driver-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RequestPoolJoin(ctx, b.Ride.ID, JoinInput{RiderID: "rider-2", Pickup: place(11.015, 76.96), Dropoff: place(11.035, 76.96)}); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.RequestPoolJoin(ctx, b.Ride.ID, JoinInput{RiderID: "rider-3", Pickup: place(11.015, 76.96), Dropoff: place(11.035, 76.96)})
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
}

func TestDeclineDiscardsRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.startTrip(t, true)
	if _, err := f.svc.RequestPoolJoin(ctx, r.ID, JoinInput{RiderID: "rider-2", Pickup: place(11.015, 76.96), Dropoff: place(11.035, 76.96)}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.ResolvePoolConsent(ctx, r.ID, "rider-2", "driver-1", true); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.ResolvePoolConsent(ctx, r.ID, "rider-2", "rider-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.PooledRiders) != 0 || got.Status != models.StatusInProgress || got.CurrentFare != got.BaseFare {
		t.Fatalf("decline must leave the ride unaffected: %+v", got)
	}
	declined := f.events.find(EventPoolJoinDeclined)
	if len(declined) != 1 || declined[0].Recipients[0] != "rider-2" {
		t.Fatalf("requester must be told: %+v", declined)
	}
	if _, err := f.svc.ResolvePoolConsent(ctx, r.ID, "rider-2", "stranger", true); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("resolved request is gone, got %v", err)
	}
}

func TestUnanimousConsent(t *testing.T) {
	f := newFixture(t)
	f.svc.Config.Consent = ConsentUnanimous
	ctx := context.Background()
	r := f.startTrip(t, true)
	f.approveJoin(t, r.ID, "rider-2", "rider-1")
	if _, err := f.svc.AddToPool(ctx, r.ID, "driver-1", "rider-2"); err != nil {
		t.Fatal(err)
	}

	f.approveJoin(t, r.ID, "rider-3", "rider-1")
	got, _ := f.svc.Get(ctx, r.ID)
	if _, p := got.FindPooledRider("rider-3"); p.Status != models.JoinDriverApproved {
		t.Fatalf("one of two occupants is not enough: %s", p.Status)
	}
	got, err := f.svc.ResolvePoolConsent(ctx, r.ID, "rider-3", "rider-2", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, p := got.FindPooledRider("rider-3"); p.Status != models.JoinOccupantApproved {
		t.Fatalf("expected OCCUPANT_APPROVED, got %s", p.Status)
	}
	got, err = f.svc.AddToPool(ctx, r.ID, "driver-1", "rider-3")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentFare != 112 {
		t.Fatalf("expected three-occupant fare 112, got %d", got.CurrentFare)
	}

	got, err = f.svc.LeavePool(ctx, r.ID, "rider-3")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentFare != 121 || got.CurrentFare > got.BaseFare {
		t.Fatalf("fare must rise back to 121, got %d", got.CurrentFare)
	}
}

func TestEarlyCompletionAndDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.startTrip(t, false)

	if _, err := f.svc.ConfirmCompletion(ctx, r.ID, "rider-1", true); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending, got %v", err)
	}
	r, err := f.svc.RequestEarlyCompletion(ctx, r.ID, "driver-1", 6.25)
	if err != nil {
		t.Fatal(err)
	}
	if r.EarlyCompletion == nil || r.EarlyCompletion.ProratedFare != 90 || r.Status != models.StatusInProgress {
		t.Fatalf("unexpected pending completion %+v", r.EarlyCompletion)
	}
	if _, err := f.svc.RequestEarlyCompletion(ctx, r.ID, "driver-1", 5); !errors.Is(err, ErrConsentPending) {
		t.Fatalf("expected ErrConsentPending, got %v", err)
	}

	r, err = f.svc.ConfirmCompletion(ctx, r.ID, "rider-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusInProgress || !r.Disputed || r.EarlyCompletion != nil {
		t.Fatalf("dispute must keep IN_PROGRESS and flag the ride: %+v", r)
	}

	if _, err := f.svc.RequestEarlyCompletion(ctx, r.ID, "driver-1", 6.25); err != nil {
		t.Fatal(err)
	}
	r, err = f.svc.ConfirmCompletion(ctx, r.ID, "rider-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusCompleted || r.CompletedFare != 90 || r.CurrentFare != 90 {
		t.Fatalf("unexpected confirmed completion %+v", r)
	}
	if len(f.payments.captures) != 1 || f.payments.captures[0] != 90 {
		t.Fatalf("expected capture of prorated fare, got %v", f.payments.captures)
	}
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.book(t, false)
	if _, err := f.svc.CancelRide(ctx, r.ID, "stranger", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	got, err := f.svc.CancelRide(ctx, r.ID, "rider-1", "changed plans")
	if err != nil || got.Status != models.StatusCanceled {
		t.Fatalf("cancel searching: %v", err)
	}
	_, err = f.svc.AcceptRide(ctx, r.ID, "driver-1")
	assertState(t, err, models.StatusCanceled)

	r2 := f.book(t, false)
	if _, err := f.svc.AcceptRide(ctx, r2.ID, "driver-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CancelRide(ctx, r2.ID, "driver-1", "vehicle issue"); err != nil {
		t.Fatal(err)
	}
	if len(f.payments.cancels) != 1 {
		t.Fatalf("hold must be released on cancel, got %v", f.payments.cancels)
	}

	r3 := f.startTrip(t, false)
	_, err = f.svc.CancelRide(ctx, r3.ID, "rider-1", "")
	assertState(t, err, models.StatusInProgress)
}

func TestConcurrentAcceptOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	r := f.book(t, false)

	const n = 12
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		mu    sync.Mutex
		wins  int
		lost  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.AcceptRide(context.Background(), r.ID, fmt.Sprintf("driver-%d", i))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrInvalidState) {
				lost++
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if wins != 1 || lost != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d lost=%d", wins, lost)
	}
}

func TestCompletionRacesPoolJoin(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		f.svc.Payments = nil
		ctx := context.Background()
		r := f.startTrip(t, true)
		f.approveJoin(t, r.ID, "rider-2", "rider-1")

		var (
			wg                sync.WaitGroup
			start             = make(chan struct{})
			addErr, finishErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, addErr = f.svc.AddToPool(ctx, r.ID, "driver-1", "rider-2")
		}()
		go func() {
			defer wg.Done()
			<-start
			_, finishErr = f.svc.CompleteRide(ctx, r.ID, "driver-1")
		}()
		close(start)
		wg.Wait()

		if finishErr != nil {
			t.Fatalf("completion must always commit here: %v", finishErr)
		}
		final, err := f.store.GetRide(ctx, r.ID)
		if err != nil {
			t.Fatal(err)
		}
		if final.Status != models.StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", final.Status)
		}
		switch {
		case addErr == nil:
			if len(final.PooledRiders) != 1 || final.PooledRiders[0].Status != models.JoinJoined || final.CompletedFare != 121 {
				t.Fatalf("join won but state is inconsistent: %+v", final)
			}
		case errors.Is(addErr, ErrInvalidState):
			if len(final.PooledRiders) != 0 || final.CompletedFare != 180 || final.CurrentFare != 180 {
				t.Fatalf("completion won but state is inconsistent: %+v", final)
			}
		default:
			t.Fatalf("loser must get a state conflict, got %v", addErr)
		}
	}
}

func TestPoolChangesBlockedWhileEndingEarly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.startTrip(t, true)

	// rider-3 is approved before the driver proposes ending early.
	f.approveJoin(t, r.ID, "rider-3", "rider-1")
	if _, err := f.svc.RequestEarlyCompletion(ctx, r.ID, "driver-1", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AddToPool(ctx, r.ID, "driver-1", "rider-3"); !errors.Is(err, ErrEndingEarly) {
		t.Fatalf("add: expected ErrEndingEarly, got %v", err)
	}
	_, err := f.svc.RequestPoolJoin(ctx, r.ID, JoinInput{RiderID: "rider-2", Pickup: place(11.015, 76.96), Dropoff: place(11.035, 76.96)})
	if !errors.Is(err, ErrEndingEarly) {
		t.Fatalf("join: expected ErrEndingEarly, got %v", err)
	}

	done, err := f.svc.ConfirmCompletion(ctx, r.ID, "rider-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if done.CompletedFare != 144 || done.CompletedFare > done.BaseFare || len(done.Occupants()) != 1 {
		t.Fatalf("unexpected completion %+v", done)
	}
}

func TestPendingEarlyCompletionFollowsReprice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.startTrip(t, true)
	f.approveJoin(t, r.ID, "rider-2", "rider-1")
	if _, err := f.svc.AddToPool(ctx, r.ID, "driver-1", "rider-2"); err != nil {
		t.Fatal(err)
	}
	r, err := f.svc.RequestEarlyCompletion(ctx, r.ID, "driver-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if r.CurrentFare != 121 || r.EarlyCompletion.ProratedFare != 97 {
		t.Fatalf("unexpected pooled proration %d/%d", r.CurrentFare, r.EarlyCompletion.ProratedFare)
	}

	r, err = f.svc.LeavePool(ctx, r.ID, "rider-2")
	if err != nil {
		t.Fatal(err)
	}
	if r.CurrentFare != 180 || r.EarlyCompletion.ProratedFare != 144 {
		t.Fatalf("proration must follow the solo fare, got %d/%d", r.CurrentFare, r.EarlyCompletion.ProratedFare)
	}
	r, err = f.svc.ConfirmCompletion(ctx, r.ID, "rider-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if r.CompletedFare != 144 {
		t.Fatalf("completed at %d, want 144", r.CompletedFare)
	}
}

func TestOtpReissueLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.book(t, false)
	if _, err := f.svc.AcceptRide(ctx, r.ID, "driver-1"); err != nil {
		t.Fatal(err)
	}
	code, _, err := f.svc.MarkArrived(ctx, r.ID, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < DefaultOTPPolicy().MaxReissues; i++ {
		for j := 0; j < 5; j++ {
			_, _ = f.svc.VerifyOtp(ctx, r.ID, "driver-1", wrongCode(code))
		}
		if code, err = f.svc.ReissueOtp(ctx, r.ID, "driver-1"); err != nil {
			t.Fatalf("reissue %d: %v", i+1, err)
		}
	}
	_, err = f.svc.ReissueOtp(ctx, r.ID, "driver-1")
	if !errors.Is(err, ErrOtpLocked) {
		t.Fatalf("expected ErrOtpLocked past the reissue limit, got %v", err)
	}
	// The last issued code still works.
	if r, err = f.svc.VerifyOtp(ctx, r.ID, "driver-1", code); err != nil || r.Status != models.StatusInProgress {
		t.Fatalf("verify last code: %v", err)
	}
}

func (f *fixture) bookWith(t *testing.T, prefs models.Preferences) *models.Ride {
	t.Helper()
	ctx := context.Background()
	b, err := f.svc.RequestRide(ctx, RequestInput{
		RiderID:     "rider-1",
		Pickup:      place(11.00, 76.96),
		Dropoff:     place(11.04, 76.96),
		Preferences: prefs,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.svc.AcceptRide(ctx, b.Ride.ID, "driver-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return b.Ride
}

func TestPoolPreferencesFilterJoiners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.bookWith(t, models.Preferences{
		Vehicle:              models.VehicleCar,
		Pooled:               true,
		GenderPreference:     "Female only",
		AccessibilityOptions: []string{"wheelchair"},
	})
	pickup, dropoff := place(11.015, 76.96), place(11.035, 76.96)

	male := models.RiderProfile{Gender: "male"}
	female := models.RiderProfile{Gender: "female", AccessibilityNeeds: []string{"wheelchair"}}

	got, err := f.svc.FindPoolCandidates(ctx, "rider-2", male, pickup.Position, dropoff.Position)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("filtered rider must see no candidates, got %d", len(got))
	}
	got, err = f.svc.FindPoolCandidates(ctx, "rider-3", female, pickup.Position, dropoff.Position)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Ride.ID != r.ID {
		t.Fatalf("compatible rider should see the ride, got %+v", got)
	}

	_, err = f.svc.RequestPoolJoin(ctx, r.ID, JoinInput{RiderID: "rider-2", Pickup: pickup, Dropoff: dropoff, Profile: male})
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible, got %v", err)
	}
	if _, err := f.svc.RequestPoolJoin(ctx, r.ID, JoinInput{RiderID: "rider-3", Pickup: pickup, Dropoff: dropoff, Profile: female}); err != nil {
		t.Fatalf("compatible join: %v", err)
	}
}

func TestIsParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.startTrip(t, true)
	if _, err := f.svc.RequestPoolJoin(ctx, r.ID, JoinInput{RiderID: "rider-2", Pickup: place(11.015, 76.96), Dropoff: place(11.035, 76.96)}); err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{"rider-1": true, "driver-1": true, "rider-2": true, "stranger": false}
	for user, want := range cases {
		got, err := f.svc.IsParticipant(ctx, r.ID, user)
		if err != nil || got != want {
			t.Fatalf("IsParticipant(%s) = %v, %v; want %v", user, got, err, want)
		}
	}
	if ok, err := f.svc.IsParticipant(ctx, "missing", "rider-1"); ok || err != nil {
		t.Fatalf("unknown ride: %v %v", ok, err)
	}
}
