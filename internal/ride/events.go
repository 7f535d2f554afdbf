package ride

import (
	"context"
	"time"

	"github.com/example/ridepool/internal/models"
)

type EventType string

const (
	EventRequested       EventType = "ride:requested"
	EventIntentUpdated   EventType = "ride:intent-updated"
	EventAccepted        EventType = "ride:accepted"
	EventArrived         EventType = "ride:arrived"
	EventOTP             EventType = "ride:otp"
	EventStarted         EventType = "ride:started"
	EventEarlyCompletion EventType = "ride:early-completion"
	EventDisputed        EventType = "ride:disputed"
	EventCompleted       EventType = "ride:completed"
	EventCanceled        EventType = "ride:canceled"
	EventFareUpdate      EventType = "ride:fare-update"
	EventDisputeOutcome  EventType = "ride:dispute-outcome"

	EventPoolJoinRequest    EventType = "pool:join-request"
	EventPoolConsentRequest EventType = "pool:consent-request"
	EventPoolJoinApproved   EventType = "pool:join-approved"
	EventPoolJoinDeclined   EventType = "pool:join-declined"
	EventPooledRiderAdded   EventType = "ride:pooled-rider-added"
	EventPooledRiderLeft    EventType = "ride:pooled-rider-left"
)

// Event is a committed ride change. With no Recipients it is addressed to the
// ride room (every participant); otherwise only to the listed users.
type Event struct {
	Type       EventType      `json:"type"`
	RideID     string         `json:"ride_id"`
	Status     models.Status  `json:"status"`
	Recipients []string       `json:"-"`
	Ride       *models.Ride   `json:"ride,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// EventSink receives events after their mutation has been persisted.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiSink fans each event out to every sink in order.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}
