package models

import (
	"time"
)

// Position is a WGS-84 coordinate pair.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Route is an ordered sequence of positions decoded from a provider polyline.
type Route []Position

// RouteOption is one alternative returned by a routing provider.
type RouteOption struct {
	DistanceMeters  int64  `json:"distance_meters"`
	DurationSeconds int64  `json:"duration_seconds"`
	Polyline        string `json:"polyline"`
	Summary         string `json:"summary,omitempty"`
}

type Place struct {
	Position
	Address string `json:"address,omitempty"`
}

type Role string

const (
	RoleRider  Role = "RIDER"
	RoleDriver Role = "DRIVER"
)

func (r Role) Valid() bool { return r == RoleRider || r == RoleDriver }

type VehicleCategory string

const (
	VehicleBike   VehicleCategory = "BIKE"
	VehicleAuto   VehicleCategory = "AUTO"
	VehicleCar    VehicleCategory = "CAR"
	VehicleBigCar VehicleCategory = "BIG_CAR"
)

func (v VehicleCategory) Valid() bool {
	switch v {
	case VehicleBike, VehicleAuto, VehicleCar, VehicleBigCar:
		return true
	}
	return false
}

// Poolable reports whether riders may share a vehicle of this category.
func (v VehicleCategory) Poolable() bool { return v == VehicleCar || v == VehicleBigCar }

type Status string

const (
	StatusSearching  Status = "SEARCHING"
	StatusAccepted   Status = "ACCEPTED"
	StatusArrived    Status = "ARRIVED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCanceled   Status = "CANCELED"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCanceled }

// Active reports whether the ride has a driver and has not finished.
func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusArrived || s == StatusInProgress
}

type JoinStatus string

const (
	JoinRequested        JoinStatus = "REQUESTED"
	JoinDriverApproved   JoinStatus = "DRIVER_APPROVED"
	JoinOccupantApproved JoinStatus = "OCCUPANT_APPROVED"
	JoinJoined           JoinStatus = "JOINED"
	JoinDeclined         JoinStatus = "DECLINED"
)

type PooledRider struct {
	RiderID        string     `json:"rider_id"`
	Pickup         Place      `json:"pickup"`
	Dropoff        Place      `json:"dropoff"`
	FareAdjustment int64      `json:"fare_adjustment"`
	Status         JoinStatus `json:"status"`
	RequestedAt    time.Time  `json:"requested_at"`
	JoinedAt       *time.Time `json:"joined_at,omitempty"`
	// Approvals holds the occupant ids that consented to this join.
	Approvals []string `json:"approvals,omitempty"`
}

// RiderProfile carries the attributes a joining rider is matched on against a
// pooled ride's preferences.
type RiderProfile struct {
	Gender             string   `json:"gender,omitempty"`
	AccessibilityNeeds []string `json:"accessibility_needs,omitempty"`
	SafetyOptions      []string `json:"safety_options,omitempty"`
}

type Preferences struct {
	Vehicle              VehicleCategory `json:"vehicle"`
	Pooled               bool            `json:"pooled"`
	MaxPoolSize          int             `json:"max_pool_size,omitempty"`
	GenderPreference     string          `json:"gender_preference,omitempty"`
	AccessibilityOptions []string        `json:"accessibility_options,omitempty"`
	SafetyOptions        []string        `json:"safety_options,omitempty"`
	RouteIndex           int             `json:"route_index"`
}

type Contact struct {
	RiderMasked  string `json:"rider_masked,omitempty"`
	DriverMasked string `json:"driver_masked,omitempty"`
}

// EarlyCompletion is the pending sub-state raised by a driver ending a trip
// before the planned dropoff.
type EarlyCompletion struct {
	ActualDistanceKm float64   `json:"actual_distance_km"`
	ProratedFare     int64     `json:"prorated_fare"`
	RequestedAt      time.Time `json:"requested_at"`
}

type Ride struct {
	ID       string  `json:"id"`
	RiderID  string  `json:"rider_id"`
	DriverID *string `json:"driver_id,omitempty"`

	Pickup     Place   `json:"pickup"`
	Dropoff    Place   `json:"dropoff"`
	RouteIndex int     `json:"route_index"`
	Polyline   string  `json:"route_polyline,omitempty"`
	DistanceKm float64 `json:"distance_km"`
	DurationS  int64   `json:"duration_seconds"`

	Vehicle      VehicleCategory `json:"vehicle"`
	BaseFare     int64           `json:"base_fare"`
	CurrentFare  int64           `json:"current_fare"`
	FareFrozen   bool            `json:"fare_frozen"`
	CO2Emissions int64           `json:"co2_emissions"`
	CO2Saved     int64           `json:"co2_saved"`

	IsPooled             bool          `json:"is_pooled"`
	PoolingUnavailable   bool          `json:"pooling_unavailable,omitempty"`
	MaxPoolSize          int           `json:"max_pool_size"`
	GenderPreference     string        `json:"gender_preference,omitempty"`
	AccessibilityOptions []string      `json:"accessibility_options,omitempty"`
	SafetyOptions        []string      `json:"safety_options,omitempty"`
	PooledRiders         []PooledRider `json:"pooled_riders"`

	Status         Status     `json:"status"`
	OTP            string     `json:"-"`
	OTPVerified    bool       `json:"otp_verified"`
	OTPGeneratedAt *time.Time `json:"otp_generated_at,omitempty"`
	OTPAttempts    int        `json:"-"`
	OTPIssues      int        `json:"otp_issues,omitempty"`
	Contact        Contact    `json:"contact"`

	EarlyCompletion *EarlyCompletion `json:"early_completion,omitempty"`
	Disputed        bool             `json:"disputed"`
	DisputeOutcome  string           `json:"dispute_outcome,omitempty"`
	CompletedFare   int64            `json:"completed_fare,omitempty"`

	PaymentIntentID string `json:"-"`
	Version         int    `json:"version"`

	BookingTime  time.Time  `json:"booking_time"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Participants counts the owner plus every pooled entry that has not been declined.
func (r *Ride) Participants() int {
	n := 1
	for _, p := range r.PooledRiders {
		if p.Status != JoinDeclined {
			n++
		}
	}
	return n
}

// Occupants returns the owner and every joined pooled rider.
func (r *Ride) Occupants() []string {
	out := []string{r.RiderID}
	for _, p := range r.PooledRiders {
		if p.Status == JoinJoined {
			out = append(out, p.RiderID)
		}
	}
	return out
}

func (r *Ride) FindPooledRider(riderID string) (int, *PooledRider) {
	for i := range r.PooledRiders {
		if r.PooledRiders[i].RiderID == riderID {
			return i, &r.PooledRiders[i]
		}
	}
	return -1, nil
}

func (r *Ride) Driver() string {
	if r.DriverID == nil {
		return ""
	}
	return *r.DriverID
}

// Clone returns a deep copy safe to mutate independently of r.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.DriverID != nil {
		d := *r.DriverID
		c.DriverID = &d
	}
	c.AccessibilityOptions = append([]string(nil), r.AccessibilityOptions...)
	c.SafetyOptions = append([]string(nil), r.SafetyOptions...)
	c.PooledRiders = make([]PooledRider, len(r.PooledRiders))
	for i, p := range r.PooledRiders {
		p.Approvals = append([]string(nil), p.Approvals...)
		if p.JoinedAt != nil {
			t := *p.JoinedAt
			p.JoinedAt = &t
		}
		c.PooledRiders[i] = p
	}
	if r.EarlyCompletion != nil {
		e := *r.EarlyCompletion
		c.EarlyCompletion = &e
	}
	c.OTPGeneratedAt = cloneTime(r.OTPGeneratedAt)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.ArrivedAt = cloneTime(r.ArrivedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.CanceledAt = cloneTime(r.CanceledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LiveState is the ephemeral presence of a rider or driver.
type LiveState struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Position   Position  `json:"position"`
	Online     bool      `json:"online"`
	Rating     float64   `json:"rating,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// PositionPing is the wire shape of a position update on the ingest topic.
type PositionPing struct {
	SubjectID string    `json:"subject_id"`
	Role      Role      `json:"role"`
	Position  Position  `json:"position"`
	Rating    float64   `json:"rating,omitempty"`
	Online    bool      `json:"online"`
	SentAt    time.Time `json:"sent_at"`
}

// DriverOffer is a ranked candidate driver for a new ride request.
type DriverOffer struct {
	DriverID string  `json:"driver_id"`
	ETA      float64 `json:"eta_seconds"`
	Cost     float64 `json:"cost"`
}
