// README: Pricing tiers backed by PostgreSQL, plus a static in-memory source.
package pricing

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ActiveTiers(ctx context.Context) ([]Tier, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, min_distance, max_distance, unit, price, currency, active
		FROM pricing_tiers
		WHERE active = true
		ORDER BY min_distance ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []Tier
	for rows.Next() {
		var t Tier
		var unit string
		if err := rows.Scan(&t.ID, &t.MinDistance, &t.MaxDistance, &unit, &t.Price, &t.Currency, &t.Active); err != nil {
			return nil, err
		}
		t.Unit = Unit(unit)
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// StaticSource serves a fixed tier set, used when no database is configured.
type StaticSource []Tier

func (s StaticSource) ActiveTiers(context.Context) ([]Tier, error) {
	return []Tier(s), nil
}

func bound(v float64) *float64 { return &v }

// DefaultTiers is the fallback schedule: 200 under 5 km, 400 beyond.
func DefaultTiers() StaticSource {
	return StaticSource{
		{ID: 1, MinDistance: 0, MaxDistance: bound(5), Unit: UnitKilometers, Price: 200, Active: true},
		{ID: 2, MinDistance: 5, Unit: UnitKilometers, Price: 400, Active: true},
	}
}
