// README: Geographic point value object and the single great-circle distance used everywhere.
package types

import (
	"fmt"
	"math"

	"dispatch/internal/errs"
)

const (
	EarthRadiusKm = 6371.0

	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// Point is a WGS84 coordinate in decimal degrees. Values coming from outside the
// process must go through NewPoint; stored values are re-checked with Validate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NewPoint rejects NaN, infinities and out-of-range values.
func NewPoint(lat, lng float64) (Point, error) {
	p := Point{Lat: lat, Lng: lng}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || p.Lat < MinLatitude || p.Lat > MaxLatitude {
		return errs.NewValueIsOutOfRangeError("latitude", p.Lat, MinLatitude, MaxLatitude)
	}
	if math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) || p.Lng < MinLongitude || p.Lng > MaxLongitude {
		return errs.NewValueIsOutOfRangeError("longitude", p.Lng, MinLongitude, MaxLongitude)
	}
	return nil
}

func (p Point) String() string {
	return fmt.Sprintf("(%.6f,%.6f)", p.Lat, p.Lng)
}

// DistanceKm returns the haversine great-circle distance between a and b.
func DistanceKm(a, b Point) float64 {
	dLat := degreesToRadians(b.Lat - a.Lat)
	dLng := degreesToRadians(b.Lng - a.Lng)

	rLat1 := degreesToRadians(a.Lat)
	rLat2 := degreesToRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

func DistanceMeters(a, b Point) float64 {
	return DistanceKm(a, b) * 1000
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
