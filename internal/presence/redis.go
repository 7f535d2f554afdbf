package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridepool/internal/models"
)

// RedisIndex mirrors live positions into Redis GEO sets, one per role, with
// a TTL'd metadata hash per subject acting as the liveness marker.
type RedisIndex struct {
	client  redis.Cmdable
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisIndex(client redis.Cmdable, prefix string, ttl time.Duration) *RedisIndex {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "ridepool_geo"
	}
	return &RedisIndex{client: client, prefix: prefix, ttl: ttl, timeout: 500 * time.Millisecond}
}

func (r *RedisIndex) geoKey(role models.Role) string { return r.prefix + ":" + string(role) }

func metaKey(id string) string { return "presence:meta:" + id }

// Apply writes an online ping or removes the subject for an offline one.
func (r *RedisIndex) Apply(ctx context.Context, p models.PositionPing) error {
	if !p.Online {
		return r.Remove(ctx, p.SubjectID, p.Role)
	}
	return r.Upsert(ctx, models.LiveState{ID: p.SubjectID, Role: p.Role, Position: p.Position, Online: true, Rating: p.Rating, LastSeenAt: p.SentAt})
}

func (r *RedisIndex) Upsert(ctx context.Context, s models.LiveState) error {
	if err := r.client.GeoAdd(ctx, r.geoKey(s.Role), &redis.GeoLocation{Longitude: s.Position.Lng, Latitude: s.Position.Lat, Name: s.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", s.ID, err)
	}
	seen := s.LastSeenAt
	if seen.IsZero() {
		seen = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metaKey(s.ID), map[string]interface{}{
		"role":    string(s.Role),
		"rating":  strconv.FormatFloat(s.Rating, 'f', 2, 64),
		"online":  strconv.FormatBool(s.Online),
		"updated": seen.UTC().Format(time.RFC3339),
	})
	pipe.Expire(ctx, metaKey(s.ID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("meta %s: %w", s.ID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, id string, role models.Role) error {
	if err := r.client.ZRem(ctx, r.geoKey(role), id).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(id)).Err()
}

// Nearby queries the GEO set and drops members whose liveness hash expired,
// pruning them from the set as it goes.
func (r *RedisIndex) Nearby(center models.Position, role models.Role, radiusKm float64, limit int) []models.LiveState {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	out, err := r.NearbyContext(ctx, center, role, radiusKm, limit)
	if err != nil {
		return nil
	}
	return out
}

func (r *RedisIndex) NearbyContext(ctx context.Context, center models.Position, role models.Role, radiusKm float64, limit int) ([]models.LiveState, error) {
	if radiusKm <= 0 {
		radiusKm = 6
	}
	res, err := r.client.GeoRadius(ctx, r.geoKey(role), center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.LiveState, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			return nil, err
		}
		if len(m) == 0 {
			_ = r.client.ZRem(ctx, r.geoKey(role), g.Name).Err()
			continue
		}
		s := models.LiveState{ID: g.Name, Role: role, Position: models.Position{Lat: g.Latitude, Lng: g.Longitude}}
		if v, ok := m["rating"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				s.Rating = f
			}
		}
		s.Online = m["online"] == "true"
		if v, ok := m["updated"]; ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				s.LastSeenAt = t
			}
		}
		out = append(out, s)
	}
	return out, nil
}
