// README: Distance tiers and units used to price a delivery.
package pricing

import (
	"fmt"
	"strings"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

type Unit string

const (
	UnitMeters     Unit = "m"
	UnitKilometers Unit = "km"
	UnitMiles      Unit = "mi"
)

const metersPerMile = 1609.344

var (
	ErrUnknownUnit     = fmt.Errorf("%w: unknown distance unit", errs.ErrValidation)
	ErrInvalidDistance = fmt.Errorf("%w: distance must be a non-negative number", errs.ErrValidation)
)

// ParseUnit accepts the short unit names plus a few spelled-out forms.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "meter", "meters":
		return UnitMeters, nil
	case "km", "kilometer", "kilometers", "":
		return UnitKilometers, nil
	case "mi", "mile", "miles":
		return UnitMiles, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownUnit, s)
	}
}

func (u Unit) metersPer() (float64, error) {
	switch u {
	case UnitMeters:
		return 1, nil
	case UnitKilometers:
		return 1000, nil
	case UnitMiles:
		return metersPerMile, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownUnit, string(u))
	}
}

// Convert expresses distance, given in u, in the target unit.
func (u Unit) Convert(distance float64, target Unit) (float64, error) {
	from, err := u.metersPer()
	if err != nil {
		return 0, err
	}
	to, err := target.metersPer()
	if err != nil {
		return 0, err
	}
	if from == to {
		return distance, nil
	}
	return distance * from / to, nil
}

// Tier is a distance bracket [MinDistance, MaxDistance) with a flat price.
// A nil MaxDistance is unbounded.
type Tier struct {
	ID          int64    `json:"id"`
	MinDistance float64  `json:"min_distance"`
	MaxDistance *float64 `json:"max_distance,omitempty"`
	Unit        Unit     `json:"unit"`
	Price       int64    `json:"price"`
	Currency    string   `json:"currency,omitempty"`
	Active      bool     `json:"active"`
}

func (t Tier) contains(d float64) bool {
	if d < t.MinDistance {
		return false
	}
	return t.MaxDistance == nil || d < *t.MaxDistance
}

func (t Tier) money() types.Money {
	return types.NewMoney(t.Price, t.Currency)
}

// Quote is a priced distance.
type Quote struct {
	Distance float64     `json:"distance"`
	Unit     Unit        `json:"unit"`
	Fee      types.Money `json:"fee"`
	TierID   int64       `json:"tier_id,omitempty"`
}
