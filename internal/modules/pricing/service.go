// README: Pricing service maps a distance to a flat delivery fee through tiers.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

// TierSource supplies the configured tiers. Implementations may return
// inactive tiers; the calculator ignores them.
type TierSource interface {
	ActiveTiers(ctx context.Context) ([]Tier, error)
}

// Price returns the fee of the first active tier, by ascending MinDistance,
// whose [MinDistance, MaxDistance) bracket holds distance once it is converted
// into that tier's unit.
func Price(distance float64, unit Unit, tiers []Tier) (types.Money, error) {
	t, err := Select(distance, unit, tiers)
	if err != nil {
		return types.Money{}, err
	}
	return t.money(), nil
}

// Select is Price returning the matched tier itself.
func Select(distance float64, unit Unit, tiers []Tier) (Tier, error) {
	if math.IsNaN(distance) || math.IsInf(distance, 0) || distance < 0 {
		return Tier{}, fmt.Errorf("%w: %v", ErrInvalidDistance, distance)
	}
	if _, err := unit.metersPer(); err != nil {
		return Tier{}, err
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinDistance < sorted[j].MinDistance
	})

	for _, t := range sorted {
		if !t.Active {
			continue
		}
		d, err := unit.Convert(distance, t.Unit)
		if err != nil {
			return Tier{}, err
		}
		if t.contains(d) {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: %.3f %s", errs.ErrNoPricingTier, distance, unit)
}

// RouteMeter measures the travelled distance between two points, e.g. along
// roads.
type RouteMeter interface {
	RouteDistanceMeters(ctx context.Context, from, to types.Point) (float64, error)
}

type Service struct {
	source TierSource
	router RouteMeter
	logger *slog.Logger
}

func NewService(source TierSource) *Service {
	return &Service{source: source}
}

func (s *Service) Quote(ctx context.Context, distance float64, unit Unit) (Quote, error) {
	tiers, err := s.source.ActiveTiers(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("load pricing tiers: %w", err)
	}
	t, err := Select(distance, unit, tiers)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Distance: distance, Unit: unit, Fee: t.money(), TierID: t.ID}, nil
}

// SetRouteMeter makes QuoteRoute price the measured route instead of the
// straight line. A failing meter falls back to the straight line.
func (s *Service) SetRouteMeter(m RouteMeter, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.router = m
	s.logger = logger.With("component", "pricing")
}

// QuoteRoute prices the distance between two points.
func (s *Service) QuoteRoute(ctx context.Context, from, to types.Point) (Quote, error) {
	if s.router != nil {
		meters, err := s.router.RouteDistanceMeters(ctx, from, to)
		if err == nil {
			return s.Quote(ctx, meters/1000, UnitKilometers)
		}
		s.logger.Warn("route distance unavailable, pricing straight line", "error", err)
	}
	return s.Quote(ctx, types.DistanceKm(from, to), UnitKilometers)
}
