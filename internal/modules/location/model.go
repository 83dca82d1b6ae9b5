// README: Agent location samples, snapshots and query results.
package location

import (
	"time"

	"dispatch/internal/types"
)

// AgentLocation is the latest accepted sample for one agent.
type AgentLocation struct {
	AgentID        types.ID    `json:"agent_id"`
	Position       types.Point `json:"position"`
	AccuracyMeters float64     `json:"accuracy_meters"`
	CapturedAt     time.Time   `json:"captured_at"`
	ReceivedAt     time.Time   `json:"received_at"`
}

func (l AgentLocation) Age(now time.Time) time.Duration {
	return now.Sub(l.CapturedAt)
}

// Report is a raw position report from an agent's device.
type Report struct {
	AgentID        types.ID  `json:"agent_id"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
}

// UpsertResult tells whether a report replaced the stored sample. Location is
// the sample stored after the call either way.
type UpsertResult struct {
	Applied  bool          `json:"applied"`
	Location AgentLocation `json:"location"`
}

// Nearby is an active agent with its distance from a query center.
type Nearby struct {
	AgentLocation
	DistanceKm float64 `json:"distance_km"`
}

// Snapshot is one row of location history.
type Snapshot struct {
	ID             int64
	AgentID        types.ID
	Position       types.Point
	AccuracyMeters float64
	CapturedAt     time.Time
}
