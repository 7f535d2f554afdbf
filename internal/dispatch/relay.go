package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/ridepool/internal/ride"
)

// Relay delivers committed ride events to clients. Addressed events go to
// their recipients; the rest go to the ride room and every participant.
type Relay struct {
	Hub      *Hub
	Notifier Notifier
	Logger   *slog.Logger
}

type eventPayload struct {
	Status any            `json:"status"`
	Ride   any            `json:"ride,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	At     any            `json:"at"`
}

func (r *Relay) Publish(ctx context.Context, ev ride.Event) {
	msg := Message{
		Type:   string(ev.Type),
		RideID: ev.RideID,
		Data:   eventPayload{Status: ev.Status, Ride: ev.Ride, Data: ev.Data, At: ev.At},
	}
	for _, id := range r.recipients(ev) {
		if err := r.Notifier.Notify(ctx, id, msg); err != nil && r.Logger != nil {
			r.Logger.Debug("event not delivered", "type", ev.Type, "ride_id", ev.RideID, "user_id", id, "err", err)
		}
	}
	if ev.Status.Terminal() && r.Hub != nil {
		r.Hub.CloseRoom(ev.RideID)
	}
}

func (r *Relay) recipients(ev ride.Event) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(ev.Recipients) > 0 {
		for _, id := range ev.Recipients {
			add(id)
		}
		return out
	}
	if ev.Ride != nil {
		for _, id := range ev.Ride.Occupants() {
			add(id)
		}
		add(ev.Ride.Driver())
	}
	if r.Hub != nil {
		for _, id := range r.Hub.Members(ev.RideID) {
			add(id)
		}
	}
	return out
}
