// Package dispatch keeps every client's view of nearby candidates current and
// delivers ride events over websocket sessions with a push fallback.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/matcher"
	"github.com/example/ridepool/internal/models"
	"github.com/example/ridepool/internal/observability"
	"github.com/example/ridepool/internal/presence"
	"github.com/example/ridepool/internal/ride"
)

const (
	DefaultRadiusKm      = 6.0
	DefaultSearchTimeout = 90 * time.Second
)

var ErrInvalidRole = errors.New("role must be RIDER or DRIVER")

// PositionSink mirrors accepted position pings elsewhere (Kafka, Redis).
type PositionSink interface {
	Apply(ctx context.Context, p models.PositionPing) error
}

type candidateKind string

const (
	kindDriver candidateKind = "driver"
	kindPool   candidateKind = "pool"
)

// watcher is one observer's candidate set: which subjects it currently sees.
// Every change is stamped with a sequence number taken under mu, so a client
// can discard a message older than one it already applied.
type watcher struct {
	mu       sync.Mutex
	observer string
	center   models.Position
	in       map[string]bool
	seq      uint64
}

func newWatcher(observer string, center models.Position) *watcher {
	return &watcher{observer: observer, center: center, in: make(map[string]bool)}
}

// crossing is one change to a watcher's candidate set.
type crossing struct {
	subject string
	inside  bool
	pos     models.Position
	dist    float64
	seq     uint64
}

// track records whether subject at pos is visible and reports a boundary crossing.
func (w *watcher) track(subject string, pos models.Position, eligible bool, radiusKm float64) (crossing, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dist := geo.HaversineKm(w.center, pos)
	inside := eligible && dist <= radiusKm
	if w.in[subject] == inside {
		return crossing{}, false
	}
	if inside {
		w.in[subject] = true
	} else {
		delete(w.in, subject)
	}
	w.seq++
	return crossing{subject: subject, inside: inside, pos: pos, dist: dist, seq: w.seq}, true
}

func (w *watcher) drop(subject string) (crossing, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.in[subject] {
		return crossing{}, false
	}
	delete(w.in, subject)
	w.seq++
	return crossing{subject: subject, seq: w.seq}, true
}

func (w *watcher) members() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.in))
	for id := range w.in {
		out = append(out, id)
	}
	return out
}

type search struct {
	rideID    string
	riderID   string
	startedAt time.Time
	signaled  bool
	w         *watcher
}

// poolSubject is a pooled ride in progress, positioned at its driver.
type poolSubject struct {
	rideID    string
	driverID  string
	pos       models.Position
	hasPos    bool
	seatsLeft int
	members   []string
}

func (p poolSubject) eligibleFor(riderID string) bool {
	return p.seatsLeft > 0 && !slices.Contains(p.members, riderID)
}

// Coordinator maintains live presence, open searches and pooled rides in
// progress, and emits candidate add/remove messages whenever a subject
// crosses an observer's radius.
type Coordinator struct {
	Presence      *presence.Index
	Notifier      Notifier
	Ranker        *matcher.Ranker
	Positions     PositionSink
	RadiusKm      float64
	SearchTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time

	mu           sync.RWMutex
	searches     map[string]*search
	pools        map[string]*poolSubject
	poolByDriver map[string]string
	riders       map[string]*watcher
}

func NewCoordinator(idx *presence.Index, n Notifier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Presence:      idx,
		Notifier:      n,
		RadiusKm:      DefaultRadiusKm,
		SearchTimeout: DefaultSearchTimeout,
		Logger:        logger,
		Now:           time.Now,
		searches:      make(map[string]*search),
		pools:         make(map[string]*poolSubject),
		poolByDriver:  make(map[string]string),
		riders:        make(map[string]*watcher),
	}
}

func (c *Coordinator) radius() float64 {
	if c.RadiusKm <= 0 {
		return DefaultRadiusKm
	}
	return c.RadiusKm
}

func (c *Coordinator) notify(ctx context.Context, userID string, msg Message) {
	if c.Notifier == nil {
		return
	}
	if err := c.Notifier.Notify(ctx, userID, msg); err != nil {
		c.Logger.Debug("dispatch message not delivered", "user_id", userID, "type", msg.Type, "err", err)
	}
}

func (c *Coordinator) emit(ctx context.Context, observer string, kind candidateKind, x crossing) {
	op := "removed"
	if x.inside {
		op = "added"
	}
	observability.CandidateEventsTotal.WithLabelValues(string(kind) + "_" + op).Inc()
	data := map[string]any{"id": x.subject, "seq": x.seq}
	if x.inside {
		data["position"] = x.pos
		data["distance_km"] = x.dist
	}
	c.notify(ctx, observer, Message{Type: "candidate:" + string(kind) + "-" + op, Data: data})
}

// UpdatePosition applies a position ping and recomputes the candidate sets
// it can affect. A ping flagged offline is treated as Offline.
func (c *Coordinator) UpdatePosition(ctx context.Context, p models.PositionPing) error {
	if !p.Role.Valid() {
		return ErrInvalidRole
	}
	if p.SubjectID == "" {
		return errors.New("subject_id is required")
	}
	if !p.Online {
		c.Offline(ctx, p.SubjectID, p.Role)
		return nil
	}
	if err := geo.Validate(p.Position); err != nil {
		return err
	}
	_, existed := c.Presence.Upsert(models.LiveState{
		ID: p.SubjectID, Role: p.Role, Position: p.Position, Online: true, Rating: p.Rating,
	})
	if !existed && p.Role == models.RoleDriver {
		observability.DriversOnline.Inc()
	}
	if c.Positions != nil {
		if err := c.Positions.Apply(ctx, p); err != nil {
			c.Logger.Warn("position mirror failed", "subject_id", p.SubjectID, "err", err)
		}
	}
	if p.Role == models.RoleDriver {
		c.driverMoved(ctx, p.SubjectID, p.Position)
	} else {
		c.riderMoved(ctx, p.SubjectID, p.Position)
	}
	return nil
}

func (c *Coordinator) driverMoved(ctx context.Context, driverID string, pos models.Position) {
	c.mu.Lock()
	searches := make([]*search, 0, len(c.searches))
	for _, s := range c.searches {
		searches = append(searches, s)
	}
	var pool poolSubject
	var hasPool bool
	if rid, ok := c.poolByDriver[driverID]; ok {
		if p := c.pools[rid]; p != nil {
			p.pos, p.hasPos = pos, true
			pool, hasPool = *p, true
		}
	}
	riders := c.riderWatchers()
	c.mu.Unlock()

	r := c.radius()
	for _, s := range searches {
		if x, ok := s.w.track(driverID, pos, true, r); ok {
			c.emit(ctx, s.w.observer, kindDriver, x)
		}
	}
	if hasPool {
		for _, w := range riders {
			if x, ok := w.track(pool.rideID, pos, pool.eligibleFor(w.observer), r); ok {
				c.emit(ctx, w.observer, kindPool, x)
			}
		}
	}
}

func (c *Coordinator) riderMoved(ctx context.Context, riderID string, pos models.Position) {
	c.mu.Lock()
	w, ok := c.riders[riderID]
	if !ok {
		w = newWatcher(riderID, pos)
		c.riders[riderID] = w
	}
	pools := make([]poolSubject, 0, len(c.pools))
	for _, p := range c.pools {
		if p.hasPos {
			pools = append(pools, *p)
		}
	}
	c.mu.Unlock()

	w.mu.Lock()
	w.center = pos
	w.mu.Unlock()
	r := c.radius()
	for _, p := range pools {
		if x, ok := w.track(p.rideID, p.pos, p.eligibleFor(riderID), r); ok {
			c.emit(ctx, riderID, kindPool, x)
		}
	}
}

// riderWatchers must be called with c.mu held.
func (c *Coordinator) riderWatchers() []*watcher {
	out := make([]*watcher, 0, len(c.riders))
	for _, w := range c.riders {
		out = append(out, w)
	}
	return out
}

// Offline removes a subject from presence and from every candidate set it
// appears in.
func (c *Coordinator) Offline(ctx context.Context, subjectID string, role models.Role) {
	if _, ok := c.Presence.Remove(subjectID); ok && role == models.RoleDriver {
		observability.DriversOnline.Dec()
	}
	if c.Positions != nil {
		if err := c.Positions.Apply(ctx, models.PositionPing{SubjectID: subjectID, Role: role, Online: false, SentAt: c.Now()}); err != nil {
			c.Logger.Warn("position mirror failed", "subject_id", subjectID, "err", err)
		}
	}
	c.gone(ctx, subjectID, role)
}

func (c *Coordinator) gone(ctx context.Context, subjectID string, role models.Role) {
	if role != models.RoleDriver {
		c.mu.Lock()
		delete(c.riders, subjectID)
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	searches := make([]*search, 0, len(c.searches))
	for _, s := range c.searches {
		searches = append(searches, s)
	}
	poolID := ""
	if rid, ok := c.poolByDriver[subjectID]; ok {
		if p := c.pools[rid]; p != nil {
			p.hasPos = false
			poolID = rid
		}
	}
	riders := c.riderWatchers()
	c.mu.Unlock()

	for _, s := range searches {
		if x, ok := s.w.drop(subjectID); ok {
			c.emit(ctx, s.w.observer, kindDriver, x)
		}
	}
	if poolID != "" {
		for _, w := range riders {
			if x, ok := w.drop(poolID); ok {
				c.emit(ctx, w.observer, kindPool, x)
			}
		}
	}
}

// Publish reacts to committed ride events: searches open on request and
// close on accept or cancel; pooled rides in progress become pool subjects.
func (c *Coordinator) Publish(ctx context.Context, ev ride.Event) {
	if ev.Ride == nil {
		return
	}
	switch ev.Type {
	case ride.EventRequested:
		c.startSearch(ctx, ev.Ride)
	case ride.EventIntentUpdated:
		c.moveSearch(ctx, ev.Ride)
	case ride.EventAccepted:
		c.stopSearch(ev.RideID)
		if ev.Ride.IsPooled {
			c.upsertPool(ctx, ev.Ride)
		}
	case ride.EventCanceled, ride.EventCompleted:
		c.stopSearch(ev.RideID)
		c.removePool(ctx, ev.RideID)
	case ride.EventPooledRiderAdded, ride.EventPooledRiderLeft, ride.EventPoolJoinRequest, ride.EventPoolJoinDeclined:
		c.upsertPool(ctx, ev.Ride)
	}
}

func (c *Coordinator) startSearch(ctx context.Context, r *models.Ride) {
	s := &search{rideID: r.ID, riderID: r.RiderID, startedAt: c.Now(), w: newWatcher(r.RiderID, r.Pickup.Position)}
	c.mu.Lock()
	c.searches[r.ID] = s
	c.mu.Unlock()
	c.reseed(ctx, s.w)

	if c.Ranker == nil {
		return
	}
	offers := c.Ranker.Rank(ctx, r.Pickup.Position)
	c.notify(ctx, r.RiderID, Message{Type: "ride:offers", RideID: r.ID, Data: map[string]any{"offers": offers}})
	for _, o := range offers {
		c.notify(ctx, o.DriverID, Message{Type: "ride:offer", RideID: r.ID, Data: map[string]any{
			"pickup":      r.Pickup,
			"dropoff":     r.Dropoff,
			"vehicle":     r.Vehicle,
			"fare":        r.CurrentFare,
			"is_pooled":   r.IsPooled,
			"eta_seconds": o.ETA,
		}})
	}
}

func (c *Coordinator) moveSearch(ctx context.Context, r *models.Ride) {
	c.mu.RLock()
	s, ok := c.searches[r.ID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	s.w.mu.Lock()
	s.w.center = r.Pickup.Position
	s.w.mu.Unlock()
	c.reseed(ctx, s.w)
}

// reseed recomputes a search watcher from the live driver index.
func (c *Coordinator) reseed(ctx context.Context, w *watcher) {
	w.mu.Lock()
	center := w.center
	w.mu.Unlock()
	near := c.Presence.Nearby(center, models.RoleDriver, c.radius(), 0)
	nearIDs := make(map[string]bool, len(near))
	r := c.radius()
	for _, d := range near {
		nearIDs[d.ID] = true
		if x, ok := w.track(d.ID, d.Position, true, r); ok {
			c.emit(ctx, w.observer, kindDriver, x)
		}
	}
	for _, id := range w.members() {
		if nearIDs[id] {
			continue
		}
		if x, ok := w.drop(id); ok {
			c.emit(ctx, w.observer, kindDriver, x)
		}
	}
}

func (c *Coordinator) stopSearch(rideID string) {
	c.mu.Lock()
	delete(c.searches, rideID)
	c.mu.Unlock()
}

func (c *Coordinator) upsertPool(ctx context.Context, r *models.Ride) {
	if !r.IsPooled || !r.Status.Active() || r.Driver() == "" {
		return
	}
	members := r.Occupants()
	for _, p := range r.PooledRiders {
		if p.Status != models.JoinDeclined && !slices.Contains(members, p.RiderID) {
			members = append(members, p.RiderID)
		}
	}
	c.mu.Lock()
	p, ok := c.pools[r.ID]
	if !ok {
		p = &poolSubject{rideID: r.ID}
		c.pools[r.ID] = p
	}
	p.driverID = r.Driver()
	p.members = members
	p.seatsLeft = r.MaxPoolSize - r.Participants()
	if !p.hasPos {
		if st, ok := c.Presence.Get(p.driverID); ok {
			p.pos, p.hasPos = st.Position, true
		}
	}
	c.poolByDriver[p.driverID] = r.ID
	pool := *p
	riders := c.riderWatchers()
	c.mu.Unlock()

	if !pool.hasPos {
		return
	}
	rad := c.radius()
	for _, w := range riders {
		if x, ok := w.track(pool.rideID, pool.pos, pool.eligibleFor(w.observer), rad); ok {
			c.emit(ctx, w.observer, kindPool, x)
		}
	}
}

func (c *Coordinator) removePool(ctx context.Context, rideID string) {
	c.mu.Lock()
	p, ok := c.pools[rideID]
	if ok {
		delete(c.pools, rideID)
		if c.poolByDriver[p.driverID] == rideID {
			delete(c.poolByDriver, p.driverID)
		}
	}
	riders := c.riderWatchers()
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, w := range riders {
		if x, ok := w.drop(rideID); ok {
			c.emit(ctx, w.observer, kindPool, x)
		}
	}
}

// Sweep evicts stale presence as if each subject had gone offline and tells
// riders whose search has waited past the timeout that no driver was found.
// The signal is sent once per search; the ride stays SEARCHING.
func (c *Coordinator) Sweep(ctx context.Context) {
	for _, st := range c.Presence.Evict() {
		c.Logger.Debug("presence expired", "subject_id", st.ID, "role", st.Role)
		c.gone(ctx, st.ID, st.Role)
	}

	observability.DriversOnline.Set(float64(c.Presence.Count(models.RoleDriver)))

	now := c.Now()
	var due []*search
	c.mu.Lock()
	for _, s := range c.searches {
		if !s.signaled && now.Sub(s.startedAt) >= c.SearchTimeout {
			s.signaled = true
			due = append(due, s)
		}
	}
	c.mu.Unlock()
	for _, s := range due {
		c.notify(ctx, s.riderID, Message{Type: "ride:no-drivers", RideID: s.rideID, Data: map[string]any{
			"waited_seconds": int64(now.Sub(s.startedAt).Seconds()),
		}})
	}
}

// Run sweeps on every tick until ctx is done.
func (c *Coordinator) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = c.Presence.TTL() / 3
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep(ctx)
		}
	}
}

// BroadcastNearby sends msg to every online subject of role within radiusKm
// of center and returns how many were addressed.
func (c *Coordinator) BroadcastNearby(ctx context.Context, center models.Position, role models.Role, radiusKm float64, msg Message) int {
	if radiusKm <= 0 {
		radiusKm = c.radius()
	}
	near := c.Presence.Nearby(center, role, radiusKm, 0)
	for _, s := range near {
		c.notify(ctx, s.ID, msg)
	}
	return len(near)
}

// Searching reports whether a search is open for the ride.
func (c *Coordinator) Searching(rideID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.searches[rideID]
	return ok
}

// PositionSinkFunc adapts a function to PositionSink.
type PositionSinkFunc func(ctx context.Context, p models.PositionPing) error

func (f PositionSinkFunc) Apply(ctx context.Context, p models.PositionPing) error { return f(ctx, p) }

// PositionSinks applies a ping to every sink and joins their errors.
type PositionSinks []PositionSink

func (s PositionSinks) Apply(ctx context.Context, p models.PositionPing) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Apply(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
