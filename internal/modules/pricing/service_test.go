package pricing

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

func twoTiers() []Tier {
	return []Tier{
		{ID: 2, MinDistance: 5, Unit: UnitKilometers, Price: 400, Active: true},
		{ID: 1, MinDistance: 0, MaxDistance: bound(5), Unit: UnitKilometers, Price: 200, Active: true},
	}
}

func TestPrice(t *testing.T) {
	tests := []struct {
		name     string
		distance float64
		unit     Unit
		tiers    []Tier
		want     int64
		wantErr  error
	}{
		{name: "zero falls in first tier", distance: 0, unit: UnitKilometers, tiers: twoTiers(), want: 200},
		{name: "far falls in unbounded tier", distance: 100, unit: UnitKilometers, tiers: twoTiers(), want: 400},
		{name: "boundary belongs to upper tier", distance: 5, unit: UnitKilometers, tiers: twoTiers(), want: 400},
		{name: "just under boundary", distance: 4.999, unit: UnitKilometers, tiers: twoTiers(), want: 200},
		{name: "meters are converted", distance: 4500, unit: UnitMeters, tiers: twoTiers(), want: 200},
		{name: "miles are converted", distance: 4, unit: UnitMiles, tiers: twoTiers(), want: 400},
		{name: "no tiers", distance: 10, unit: UnitKilometers, tiers: nil, wantErr: errs.ErrNoPricingTier},
		{name: "negative distance", distance: -1, unit: UnitKilometers, tiers: twoTiers(), wantErr: errs.ErrValidation},
		{name: "NaN distance", distance: math.NaN(), unit: UnitKilometers, tiers: twoTiers(), wantErr: errs.ErrValidation},
		{name: "unknown unit", distance: 1, unit: Unit("furlong"), tiers: twoTiers(), wantErr: errs.ErrValidation},
		{
			name:     "gap in tiers is not extrapolated",
			distance: 7,
			unit:     UnitKilometers,
			tiers: []Tier{
				{MinDistance: 0, MaxDistance: bound(5), Unit: UnitKilometers, Price: 200, Active: true},
				{MinDistance: 10, Unit: UnitKilometers, Price: 600, Active: true},
			},
			wantErr: errs.ErrNoPricingTier,
		},
		{
			name:     "inactive tiers are skipped",
			distance: 1,
			unit:     UnitKilometers,
			tiers: []Tier{
				{MinDistance: 0, MaxDistance: bound(5), Unit: UnitKilometers, Price: 150, Active: false},
				{MinDistance: 0, Unit: UnitKilometers, Price: 250, Active: true},
			},
			want: 250,
		},
		{
			name:     "tiers in meters priced from km input",
			distance: 1.2,
			unit:     UnitKilometers,
			tiers: []Tier{
				{MinDistance: 0, MaxDistance: bound(1000), Unit: UnitMeters, Price: 100, Active: true},
				{MinDistance: 1000, Unit: UnitMeters, Price: 300, Active: true},
			},
			want: 300,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Price(tt.distance, tt.unit, tt.tiers)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Amount)
			assert.Equal(t, types.DefaultCurrency, got.Currency)
		})
	}
}

func TestPrice_DoesNotReorderInput(t *testing.T) {
	tiers := twoTiers()
	_, err := Price(1, UnitKilometers, tiers)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tiers[0].ID)
}

func TestParseUnit(t *testing.T) {
	for in, want := range map[string]Unit{"m": UnitMeters, "KM": UnitKilometers, "": UnitKilometers, "miles": UnitMiles} {
		got, err := ParseUnit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseUnit("yards")
	assert.ErrorIs(t, err, ErrUnknownUnit)
}

type failingSource struct{}

func (failingSource) ActiveTiers(context.Context) ([]Tier, error) {
	return nil, errors.New("db down")
}

func TestService_Quote(t *testing.T) {
	s := NewService(DefaultTiers())

	q, err := s.Quote(context.Background(), 3, UnitKilometers)
	require.NoError(t, err)
	assert.Equal(t, int64(200), q.Fee.Amount)
	assert.Equal(t, int64(1), q.TierID)

	from := types.Point{Lat: 36.70, Lng: 3.00}
	to := types.Point{Lat: 36.75, Lng: 3.10}
	q, err = s.QuoteRoute(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(400), q.Fee.Amount, "about 10.4 km apart")

	_, err = NewService(failingSource{}).Quote(context.Background(), 1, UnitKilometers)
	assert.ErrorContains(t, err, "db down")
}

type fixedRoute struct {
	meters float64
	err    error
}

func (r fixedRoute) RouteDistanceMeters(context.Context, types.Point, types.Point) (float64, error) {
	return r.meters, r.err
}

func TestService_QuoteRouteUsesRouteMeter(t *testing.T) {
	from := types.Point{Lat: 36.70, Lng: 3.00}
	to := types.Point{Lat: 36.71, Lng: 3.00}

	s := NewService(DefaultTiers())
	s.SetRouteMeter(fixedRoute{meters: 6200}, nil)
	q, err := s.QuoteRoute(context.Background(), from, to)
	require.NoError(t, err)
	assert.InDelta(t, 6.2, q.Distance, 1e-9)
	assert.Equal(t, int64(400), q.Fee.Amount, "road distance crosses the 5 km bracket")

	s.SetRouteMeter(fixedRoute{err: errors.New("quota exceeded")}, nil)
	q, err = s.QuoteRoute(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(200), q.Fee.Amount, "falls back to the 1.1 km straight line")
}
