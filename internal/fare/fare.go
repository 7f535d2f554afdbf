// Package fare prices rides per vehicle class and derives the informational
// CO2 figures shown alongside a quote.
package fare

import (
	"math"

	"github.com/example/ridepool/internal/models"
)

// PoolingDiscount is the factor applied to a solo quote for a pooled booking.
const PoolingDiscount = 0.67

// pooledBaselineCO2 is the per-km emission attributed to one seat of a shared car.
const pooledBaselineCO2 = 40.0

type Rate struct {
	Base     float64
	PerKm    float64
	PerMin   float64
	CO2PerKm float64
	MaxPool  int
}

var rates = map[models.VehicleCategory]Rate{
	models.VehicleBike:   {Base: 15, PerKm: 7, CO2PerKm: 20, MaxPool: 1},
	models.VehicleAuto:   {Base: 25, PerKm: 10, CO2PerKm: 60, MaxPool: 1},
	models.VehicleCar:    {Base: 30, PerKm: 12, CO2PerKm: 120, MaxPool: 4},
	models.VehicleBigCar: {Base: 45, PerKm: 16, CO2PerKm: 180, MaxPool: 6},
}

// RateFor returns the tariff of v, defaulting to CAR for unknown classes.
func RateFor(v models.VehicleCategory) Rate {
	if r, ok := rates[v]; ok {
		return r
	}
	return rates[models.VehicleCar]
}

// Fare is round(base + km*perKm).
func Fare(base, perKm, distanceKm float64) int64 {
	return int64(math.Round(base + distanceKm*perKm))
}

// Solo prices a single-rider trip including the (usually zero) time component.
func Solo(v models.VehicleCategory, distanceKm float64, durationS int64) int64 {
	r := RateFor(v)
	return int64(math.Round(r.Base + distanceKm*r.PerKm + float64(durationS)/60*r.PerMin))
}

// Pooled discounts a solo fare for a pooled booking.
func Pooled(solo int64) int64 {
	return int64(math.Round(float64(solo) * PoolingDiscount))
}

// OccupancyFactor is 1.0 for a lone rider, PoolingDiscount for two, then five
// points less per extra occupant down to 0.50.
func OccupancyFactor(occupants int) float64 {
	switch {
	case occupants <= 1:
		return 1.0
	case occupants == 2:
		return PoolingDiscount
	}
	f := PoolingDiscount - 0.05*float64(occupants-2)
	return math.Max(0.50, f)
}

// ForOccupancy re-derives the per-rider fare from the frozen base fare.
// The result never exceeds base.
func ForOccupancy(base int64, occupants int) int64 {
	f := int64(math.Round(float64(base) * OccupancyFactor(occupants)))
	if f > base {
		return base
	}
	return f
}

// Prorated scales current by the share of the planned distance actually
// travelled, clamped to [0, current].
func Prorated(current int64, plannedKm, actualKm float64) int64 {
	if plannedKm <= 0 || actualKm >= plannedKm {
		return current
	}
	if actualKm <= 0 {
		return 0
	}
	return int64(math.Round(float64(current) * actualKm / plannedKm))
}

// CO2 is the trip emission in grams.
func CO2(v models.VehicleCategory, distanceKm float64) int64 {
	return int64(math.Round(distanceKm * RateFor(v).CO2PerKm))
}

// CO2Saved is the grams saved by pooling compared with riding solo.
func CO2Saved(v models.VehicleCategory, distanceKm float64, pooled bool) int64 {
	if !pooled {
		return 0
	}
	saved := distanceKm * (RateFor(v).CO2PerKm - pooledBaselineCO2)
	if saved < 0 {
		return 0
	}
	return int64(math.Round(saved))
}

// MaxPoolSize is the participant cap for v; non-poolable classes carry one.
func MaxPoolSize(v models.VehicleCategory) int {
	return RateFor(v).MaxPool
}

// Quote is the priced view of one route alternative.
type Quote struct {
	Vehicle    models.VehicleCategory `json:"vehicle"`
	RouteIndex int                    `json:"route_index"`
	DistanceKm float64                `json:"distance_km"`
	DurationS  int64                  `json:"duration_seconds"`
	Fare       int64                  `json:"fare"`
	PooledFare int64                  `json:"pooled_fare,omitempty"`
	CO2        int64                  `json:"co2_emissions"`
	CO2Saved   int64                  `json:"co2_saved,omitempty"`
	Estimated  bool                   `json:"estimated,omitempty"`
}

// QuoteFor prices a route alternative. Pooled figures are filled only for
// poolable classes.
func QuoteFor(v models.VehicleCategory, routeIndex int, distanceKm float64, durationS int64) Quote {
	q := Quote{
		Vehicle:    v,
		RouteIndex: routeIndex,
		DistanceKm: distanceKm,
		DurationS:  durationS,
		Fare:       Solo(v, distanceKm, durationS),
		CO2:        CO2(v, distanceKm),
	}
	if v.Poolable() {
		q.PooledFare = Pooled(q.Fare)
		q.CO2Saved = CO2Saved(v, distanceKm, true)
	}
	return q
}
