// README: Location service accepts agent position reports and answers proximity queries.
package location

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"dispatch/internal/errs"
	"dispatch/internal/modules/presence"
	"dispatch/internal/types"
)

// Reports captured further than this in the future are rejected as a bad
// device clock.
const maxClockSkew = 2 * time.Minute

type Publisher interface {
	Publish(topic string, e presence.Event)
}

// AssignmentLookup resolves the non-terminal orders an agent is carrying, so
// their watchers receive the agent's moves.
type AssignmentLookup interface {
	ActiveOrderIDs(ctx context.Context, agentID types.ID) ([]types.ID, error)
}

type SnapshotWriter interface {
	AppendSnapshot(ctx context.Context, snap Snapshot) error
}

type HistoryReader interface {
	History(ctx context.Context, agentID types.ID, limit int) ([]Snapshot, error)
}

type Service struct {
	store       Store
	hub         Publisher
	assignments AssignmentLookup
	snapshots   SnapshotWriter
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(store Store, hub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		hub:    hub,
		logger: logger.With("component", "location"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetAssignmentLookup is called once during wiring; the order module depends
// on this service too.
func (s *Service) SetAssignmentLookup(l AssignmentLookup) {
	s.assignments = l
}

func (s *Service) SetSnapshotWriter(w SnapshotWriter) {
	s.snapshots = w
}

// Upsert stores r if it is strictly newer than the agent's current sample.
// Older or equal samples are not errors: the result reports Applied=false.
func (s *Service) Upsert(ctx context.Context, r Report) (UpsertResult, error) {
	loc, err := s.validate(r)
	if err != nil {
		return UpsertResult{}, err
	}

	applied, err := s.store.Upsert(ctx, loc)
	if err != nil {
		return UpsertResult{}, err
	}
	if !applied {
		current, _, err := s.store.Get(ctx, loc.AgentID)
		if err != nil {
			return UpsertResult{}, err
		}
		s.logger.Debug("location sample ignored",
			"agent_id", loc.AgentID,
			"captured_at", loc.CapturedAt,
			"stored_captured_at", current.CapturedAt,
			"reason", errs.ErrStaleData)
		return UpsertResult{Applied: false, Location: current}, nil
	}

	s.broadcast(ctx, loc)
	if s.snapshots != nil {
		snap := Snapshot{
			AgentID:        loc.AgentID,
			Position:       loc.Position,
			AccuracyMeters: loc.AccuracyMeters,
			CapturedAt:     loc.CapturedAt,
		}
		if err := s.snapshots.AppendSnapshot(ctx, snap); err != nil {
			s.logger.Warn("append location snapshot failed", "agent_id", loc.AgentID, "error", err)
		}
	}
	return UpsertResult{Applied: true, Location: loc}, nil
}

func (s *Service) validate(r Report) (AgentLocation, error) {
	if r.AgentID.IsZero() {
		return AgentLocation{}, errs.NewValueIsRequiredError("agent_id")
	}
	pos, err := types.NewPoint(r.Lat, r.Lng)
	if err != nil {
		return AgentLocation{}, err
	}
	if r.AccuracyMeters < 0 {
		return AgentLocation{}, errs.NewValueIsInvalidError("accuracy_meters")
	}
	if r.CapturedAt.IsZero() {
		return AgentLocation{}, errs.NewValueIsRequiredError("captured_at")
	}
	now := s.now()
	if r.CapturedAt.After(now.Add(maxClockSkew)) {
		return AgentLocation{}, errs.NewValueIsInvalidErrorWithCause("captured_at",
			fmt.Errorf("%s is ahead of server time", r.CapturedAt.Sub(now).Round(time.Second)))
	}
	return AgentLocation{
		AgentID:        r.AgentID,
		Position:       pos,
		AccuracyMeters: r.AccuracyMeters,
		// Stores keep microsecond precision, the same as timestamptz.
		CapturedAt: r.CapturedAt.UTC().Truncate(time.Microsecond),
		ReceivedAt: now.Truncate(time.Microsecond),
	}, nil
}

func (s *Service) broadcast(ctx context.Context, loc AgentLocation) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(presence.AgentTopic(loc.AgentID), presence.NewEvent(presence.EventLocationUpdated, "", loc))

	if s.assignments == nil {
		return
	}
	orderIDs, err := s.assignments.ActiveOrderIDs(ctx, loc.AgentID)
	if err != nil {
		s.logger.Warn("resolve active orders for location fan-out failed", "agent_id", loc.AgentID, "error", err)
		return
	}
	for _, id := range orderIDs {
		s.hub.Publish(presence.OrderTopic(id), presence.NewEvent(presence.EventLocationUpdated, "", loc))
	}
}

func (s *Service) Get(ctx context.Context, agentID types.ID) (AgentLocation, bool, error) {
	return s.store.Get(ctx, agentID)
}

// LatestPosition is the agent's last known position, regardless of age.
func (s *Service) LatestPosition(ctx context.Context, agentID types.ID) (types.Point, bool, error) {
	loc, ok, err := s.store.Get(ctx, agentID)
	if err != nil || !ok {
		return types.Point{}, ok, err
	}
	return loc.Position, true, nil
}

// ListActive returns every agent whose sample is at most maxAge old, ordered by
// agent id.
func (s *Service) ListActive(ctx context.Context, maxAge time.Duration) ([]AgentLocation, error) {
	locs, err := s.store.CapturedSince(ctx, s.now().Add(-maxAge))
	if err != nil {
		return nil, err
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].AgentID < locs[j].AgentID })
	return locs, nil
}

// Nearby returns active agents within radiusKm of center, nearest first. Equal
// distances prefer the fresher sample, then the smaller agent id.
func (s *Service) Nearby(ctx context.Context, center types.Point, radiusKm float64, maxAge time.Duration) ([]Nearby, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if radiusKm < 0 {
		return nil, errs.NewValueIsInvalidError("radius_km")
	}
	locs, err := s.store.Within(ctx, center, radiusKm, s.now().Add(-maxAge))
	if err != nil {
		return nil, err
	}
	out := make([]Nearby, 0, len(locs))
	for _, l := range locs {
		out = append(out, Nearby{AgentLocation: l, DistanceKm: types.DistanceKm(center, l.Position)})
	}
	SortNearest(out)
	return out, nil
}

// SortNearest orders by distance, then newer CapturedAt, then agent id.
func SortNearest(n []Nearby) {
	sort.Slice(n, func(i, j int) bool {
		if n[i].DistanceKm != n[j].DistanceKm {
			return n[i].DistanceKm < n[j].DistanceKm
		}
		if !n[i].CapturedAt.Equal(n[j].CapturedAt) {
			return n[i].CapturedAt.After(n[j].CapturedAt)
		}
		return n[i].AgentID < n[j].AgentID
	})
}

// History returns stored snapshots when a history store is configured.
func (s *Service) History(ctx context.Context, agentID types.ID, limit int) ([]Snapshot, error) {
	h, ok := s.snapshots.(HistoryReader)
	if !ok {
		return nil, nil
	}
	return h.History(ctx, agentID, limit)
}
