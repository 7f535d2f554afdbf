// Package presence tracks the live position of online riders and drivers.
package presence

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/models"
)

// DefaultTTL is how long a position stays live without a fresh ping.
const DefaultTTL = 45 * time.Second

const shardCount = 32

// Index is an in-memory live-position index sharded by subject id so
// updates for different subjects do not contend on one lock. Entries older
// than the TTL are treated as offline and dropped by Evict.
type Index struct {
	shards [shardCount]shard
	ttl    time.Duration
	now    func() time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]models.LiveState
}

func NewIndex(ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	x := &Index{ttl: ttl, now: time.Now}
	for i := range x.shards {
		x.shards[i].entries = make(map[string]models.LiveState)
	}
	return x
}

// WithClock replaces the time source; used by tests.
func (x *Index) WithClock(now func() time.Time) *Index {
	x.now = now
	return x
}

func (x *Index) TTL() time.Duration { return x.ttl }

func (x *Index) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &x.shards[h.Sum32()%shardCount]
}

// Upsert stores s stamped with the current time and returns the previous
// live entry, if any.
func (x *Index) Upsert(s models.LiveState) (models.LiveState, bool) {
	s.LastSeenAt = x.now()
	sh := x.shardFor(s.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev, ok := sh.entries[s.ID]
	sh.entries[s.ID] = s
	if ok && x.stale(prev, s.LastSeenAt) {
		ok = false
	}
	return prev, ok
}

func (x *Index) Remove(id string) (models.LiveState, bool) {
	sh := x.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev, ok := sh.entries[id]
	delete(sh.entries, id)
	return prev, ok
}

// Get returns the live entry for id; stale entries read as absent.
func (x *Index) Get(id string) (models.LiveState, bool) {
	sh := x.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.entries[id]
	sh.mu.RUnlock()
	if !ok || x.stale(s, x.now()) {
		return models.LiveState{}, false
	}
	return s, true
}

func (x *Index) stale(s models.LiveState, now time.Time) bool {
	return now.Sub(s.LastSeenAt) > x.ttl
}

// Snapshot returns every fresh, online entry of role ("" for all roles).
func (x *Index) Snapshot(role models.Role) []models.LiveState {
	now := x.now()
	out := make([]models.LiveState, 0)
	for i := range x.shards {
		sh := &x.shards[i]
		sh.mu.RLock()
		for _, s := range sh.entries {
			if !s.Online || x.stale(s, now) || (role != "" && s.Role != role) {
				continue
			}
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count is the number of fresh, online entries of role.
func (x *Index) Count(role models.Role) int { return len(x.Snapshot(role)) }

// Nearby returns up to limit fresh online subjects of role within radiusKm
// of center, closest first.
func (x *Index) Nearby(center models.Position, role models.Role, radiusKm float64, limit int) []models.LiveState {
	type pair struct {
		s    models.LiveState
		dist float64
	}
	box := geo.Around(center, radiusKm)
	all := x.Snapshot(role)
	arr := make([]pair, 0, len(all))
	for _, s := range all {
		if radiusKm > 0 && !box.Contains(s.Position) {
			continue
		}
		d := geo.HaversineKm(center, s.Position)
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		arr = append(arr, pair{s, d})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.LiveState, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].s)
	}
	return out
}

// Evict removes entries past the TTL and returns them so callers can treat
// each as an implicit offline.
func (x *Index) Evict() []models.LiveState {
	now := x.now()
	var out []models.LiveState
	for i := range x.shards {
		sh := &x.shards[i]
		sh.mu.Lock()
		for id, s := range sh.entries {
			if x.stale(s, now) {
				out = append(out, s)
				delete(sh.entries, id)
			}
		}
		sh.mu.Unlock()
	}
	return out
}
