package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ridepool/internal/geo"
	"github.com/example/ridepool/internal/models"
)

// PostgresStore keeps the ride document as JSONB next to the columns used
// for lookups. Fields hidden from JSON (otp, attempt counter, payment intent)
// live in their own columns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Migrate applies the schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `doc, otp, otp_attempts, payment_intent_id`

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode ride: %w", err)
	}
	box := routeBox(r)
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, driver_id, status, is_pooled, vehicle, version, participants,
		route_min_lat, route_min_lng, route_max_lat, route_max_lng, otp, otp_attempts, payment_intent_id, doc, booking_time, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.RiderID, r.DriverID, r.Status, r.IsPooled, r.Vehicle, r.Version, pq.Array(participantIDs(r)),
		box.MinLat, box.MinLng, box.MaxLat, box.MaxLng, r.OTP, r.OTPAttempts, r.PaymentIntentID, doc, r.BookingTime, r.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode ride: %w", err)
	}
	box := routeBox(r)
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET driver_id=$1, status=$2, is_pooled=$3, version=$4, participants=$5,
		route_min_lat=$6, route_min_lng=$7, route_max_lat=$8, route_max_lng=$9, otp=$10, otp_attempts=$11, payment_intent_id=$12,
		doc=$13, updated_at=$14 WHERE id=$15 AND version=$16`,
		r.DriverID, r.Status, r.IsPooled, r.Version, pq.Array(participantIDs(r)),
		box.MinLat, box.MinLng, box.MaxLat, box.MaxLng, r.OTP, r.OTPAttempts, r.PaymentIntentID,
		doc, r.UpdatedAt, r.ID, r.Version-1)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rides WHERE id=$1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*models.Ride, error) {
	q := `SELECT ` + rideColumns + ` FROM rides WHERE $1 = ANY(participants) ORDER BY booking_time DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return p.query(ctx, q, args...)
}

func (p *PostgresStore) ListPooledActive(ctx context.Context, box geo.BBox) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE is_pooled AND status = ANY($1)
		AND route_max_lat >= $2 AND route_min_lat <= $3 AND route_max_lng >= $4 AND route_min_lng <= $5`,
		pq.Array([]string{string(models.StatusAccepted), string(models.StatusArrived), string(models.StatusInProgress)}),
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*models.Ride, error) {
	var (
		doc      []byte
		otp      sql.NullString
		attempts int
		intent   sql.NullString
	)
	if err := s.Scan(&doc, &otp, &attempts, &intent); err != nil {
		return nil, err
	}
	var r models.Ride
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode ride: %w", err)
	}
	r.OTP = otp.String
	r.OTPAttempts = attempts
	r.PaymentIntentID = intent.String
	return &r, nil
}
