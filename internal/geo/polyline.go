package geo

import (
	"errors"
	"math"
	"strings"

	"github.com/example/ridepool/internal/models"
)

// ErrMalformedPolyline is returned for truncated or out-of-alphabet input.
var ErrMalformedPolyline = errors.New("malformed polyline")

const polylineScale = 1e5

// DecodePolyline decodes an encoded polyline (5-bit chunks, sign in the LSB,
// 1e5 scale) into a route.
func DecodePolyline(encoded string) (models.Route, error) {
	route := make(models.Route, 0, len(encoded)/4)
	var lat, lng int64
	for i := 0; i < len(encoded); {
		dLat, next, err := decodeValue(encoded, i)
		if err != nil {
			return nil, err
		}
		dLng, next, err := decodeValue(encoded, next)
		if err != nil {
			return nil, err
		}
		i = next
		lat += dLat
		lng += dLng
		route = append(route, models.Position{Lat: float64(lat) / polylineScale, Lng: float64(lng) / polylineScale})
	}
	return route, nil
}

func decodeValue(s string, i int) (int64, int, error) {
	var result int64
	var shift uint
	for {
		if i >= len(s) {
			return 0, i, ErrMalformedPolyline
		}
		b := int64(s[i]) - 63
		i++
		if b < 0 || b > 0x3f {
			return 0, i, ErrMalformedPolyline
		}
		if shift > 60 {
			return 0, i, ErrMalformedPolyline
		}
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if result&1 != 0 {
		return ^(result >> 1), i, nil
	}
	return result >> 1, i, nil
}

// EncodePolyline is the inverse of DecodePolyline at the same scale.
func EncodePolyline(route models.Route) string {
	var b strings.Builder
	var prevLat, prevLng int64
	for _, p := range route {
		lat := int64(math.Round(p.Lat * polylineScale))
		lng := int64(math.Round(p.Lng * polylineScale))
		encodeValue(&b, lat-prevLat)
		encodeValue(&b, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return b.String()
}

func encodeValue(b *strings.Builder, v int64) {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		b.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	b.WriteByte(byte(u + 63))
}
