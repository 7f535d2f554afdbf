package ride

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/storage"
)

var (
	ErrNotFound = storage.ErrNotFound
	ErrConflict = storage.ErrConflict

	ErrInvalidState       = errors.New("invalid ride state")
	ErrInvalidOtp         = errors.New("invalid otp")
	ErrExpiredOtp         = errors.New("otp expired")
	ErrOtpLocked          = errors.New("otp locked after too many attempts")
	ErrPoolFull           = errors.New("pool is full")
	ErrNotOnRoute         = errors.New("pickup or dropoff is not along the ride route")
	ErrIncompatible       = errors.New("rider does not meet the ride's pooling preferences")
	ErrEndingEarly        = errors.New("early completion pending")
	ErrPoolingUnavailable = errors.New("pooling temporarily unavailable")
	ErrConsentPending     = errors.New("pool consent pending")
	ErrNotParticipant     = errors.New("not a participant of this ride")
	ErrNothingPending     = errors.New("no early completion pending")
	ErrBadRequest         = errors.New("bad request")
)

// StateError reports a command attempted from an incompatible status.
type StateError struct {
	Op       string
	Expected []models.Status
	Actual   models.Status
}

func (e *StateError) Error() string {
	exp := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		exp[i] = string(s)
	}
	return fmt.Sprintf("%s: ride is %s, expected %s", e.Op, e.Actual, strings.Join(exp, "|"))
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

func expect(op string, r *models.Ride, allowed ...models.Status) error {
	for _, s := range allowed {
		if r.Status == s {
			return nil
		}
	}
	return &StateError{Op: op, Expected: allowed, Actual: r.Status}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// committed marks an error whose ride mutation must still be persisted,
// e.g. a failed OTP attempt that bumps the attempt counter.
type committed struct{ err error }

func (c *committed) Error() string { return c.err.Error() }
func (c *committed) Unwrap() error { return c.err }
