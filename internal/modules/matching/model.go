// README: Matching configuration, candidates and dispatch results.
package matching

import (
	"fmt"
	"time"

	"dispatch/internal/errs"
	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

const (
	DefaultRadiusKm     = 10.0
	DefaultFreshness    = 5 * time.Minute
	DefaultBatchSize    = 50
	DefaultRetryBackoff = 30 * time.Second
	// attemptTTL bounds how long dispatch attempts are remembered.
	attemptTTL = 24 * time.Hour
)

// ErrOrderUnavailable means the order left Pending before it could be assigned.
var ErrOrderUnavailable = fmt.Errorf("%w: order no longer available", errs.ErrStateConflict)

type Config struct {
	RadiusKm  float64
	Freshness time.Duration
	// DefaultCapacity applies to agents without a recorded capacity.
	DefaultCapacity int
	BatchSize       int
	// RetryBackoff keeps the sweep from retrying an order that found no agent
	// for this long.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.RadiusKm <= 0 {
		c.RadiusKm = DefaultRadiusKm
	}
	if c.Freshness <= 0 {
		c.Freshness = DefaultFreshness
	}
	if c.DefaultCapacity <= 0 {
		c.DefaultCapacity = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// Candidate is an eligible agent for one order.
type Candidate struct {
	AgentID      types.ID    `json:"agent_id"`
	Position     types.Point `json:"position"`
	CapturedAt   time.Time   `json:"captured_at"`
	DistanceKm   float64     `json:"distance_km"`
	ActiveOrders int         `json:"active_orders"`
	Capacity     int         `json:"capacity"`
}

type Result struct {
	OrderID    types.ID     `json:"order_id"`
	AgentID    types.ID     `json:"agent_id"`
	DistanceKm float64      `json:"distance_km"`
	Order      *order.Order `json:"order"`
}

// SweepReport summarizes one DispatchPending run.
type SweepReport struct {
	Considered int `json:"considered"`
	Assigned   int `json:"assigned"`
	NoAgent    int `json:"no_agent"`
	Conflicts  int `json:"conflicts"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

func noAgentError(radiusKm float64, freshness time.Duration) error {
	return fmt.Errorf("%w within %.1f km with a location newer than %s", errs.ErrNoAvailableAgent, radiusKm, freshness)
}
