package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/models"
)

var (
	ErrNotFound = errors.New("ride not found")
	ErrConflict = errors.New("ride was modified concurrently")
	ErrExists   = errors.New("ride already exists")
)

// RideStore defines persistence operations for rides. Rides are archived,
// never deleted. UpdateRide expects r.Version to be exactly one past the
// stored version and fails with ErrConflict otherwise.
type RideStore interface {
	SaveRide(ctx context.Context, r *models.Ride) error
	UpdateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListByParticipant(ctx context.Context, userID string, limit int) ([]*models.Ride, error)
	// ListPooledActive returns pooled rides with a driver assigned whose
	// route box overlaps box.
	ListPooledActive(ctx context.Context, box geo.BBox) ([]*models.Ride, error)
}

type memRecord struct {
	ride *models.Ride
	box  geo.BBox
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]memRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]memRecord)}
}

func (m *MemoryStore) SaveRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrExists
	}
	m.rides[r.ID] = memRecord{ride: r.Clone(), box: routeBox(r)}
	return nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.ride.Version != r.Version-1 {
		return ErrConflict
	}
	m.rides[r.ID] = memRecord{ride: r.Clone(), box: routeBox(r)}
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.ride.Clone(), nil
}

func (m *MemoryStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, rec := range m.rides {
		if involves(rec.ride, userID) {
			out = append(out, rec.ride.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BookingTime.After(out[j].BookingTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPooledActive(ctx context.Context, box geo.BBox) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, rec := range m.rides {
		r := rec.ride
		if !r.IsPooled || !r.Status.Active() || r.Polyline == "" {
			continue
		}
		if !rec.box.Intersects(box) {
			continue
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func involves(r *models.Ride, userID string) bool {
	if r.RiderID == userID || r.Driver() == userID {
		return true
	}
	_, p := r.FindPooledRider(userID)
	return p != nil
}

func participantIDs(r *models.Ride) []string {
	ids := []string{r.RiderID}
	if d := r.Driver(); d != "" {
		ids = append(ids, d)
	}
	for _, p := range r.PooledRiders {
		ids = append(ids, p.RiderID)
	}
	return ids
}

func routeBox(r *models.Ride) geo.BBox {
	if r.Polyline != "" {
		if route, err := geo.DecodePolyline(r.Polyline); err == nil && len(route) > 0 {
			return geo.RouteBBox(route)
		}
	}
	return geo.RouteBBox(models.Route{r.Pickup.Position, r.Dropoff.Position})
}
