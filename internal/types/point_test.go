package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/errs"
)

func TestNewPoint_Validation(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
		wantErr  bool
	}{
		{name: "algiers", lat: 36.7538, lng: 3.0588},
		{name: "poles and antimeridian", lat: -90, lng: 180},
		{name: "lat too high", lat: 90.0001, lng: 0, wantErr: true},
		{name: "lng too low", lat: 0, lng: -180.5, wantErr: true},
		{name: "nan", lat: math.NaN(), lng: 0, wantErr: true},
		{name: "inf", lat: 0, lng: math.Inf(1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPoint(tt.lat, tt.lng)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errs.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.lat, p.Lat)
			assert.Equal(t, tt.lng, p.Lng)
		})
	}
}

func TestDistanceKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Point
		wantKm    float64
		tolerance float64
	}{
		{name: "same point", a: Point{36.70, 3.00}, b: Point{36.70, 3.00}, wantKm: 0, tolerance: 0.001},
		{name: "New York to Los Angeles", a: Point{40.7128, -74.0060}, b: Point{34.0522, -118.2437}, wantKm: 3944, tolerance: 50},
		{name: "one degree of latitude", a: Point{0, 0}, b: Point{1, 0}, wantKm: 111.195, tolerance: 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.wantKm, DistanceKm(tt.a, tt.b), tt.tolerance)
		})
	}
}

func TestDistanceKm_Symmetry(t *testing.T) {
	a := Point{36.70, 3.00}
	b := Point{36.75, 3.10}
	assert.InDelta(t, DistanceKm(a, b), DistanceKm(b, a), 1e-9)
	assert.InDelta(t, DistanceKm(a, b)*1000, DistanceMeters(a, b), 1e-6)
}
