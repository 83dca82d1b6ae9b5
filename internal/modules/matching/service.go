// README: Matching service picks the nearest eligible agent for a pending order and assigns it.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dispatch/internal/errs"
	"dispatch/internal/modules/agent"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/order"
	"dispatch/internal/types"
)

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Assign(ctx context.Context, cmd order.AssignCommand) (*order.Order, error)
	ListUnassigned(ctx context.Context, limit int) ([]*order.Order, error)
	CountActiveByAgent(ctx context.Context, agentID types.ID) (int, error)
}

type Locations interface {
	Nearby(ctx context.Context, center types.Point, radiusKm float64, maxAge time.Duration) ([]location.Nearby, error)
}

type Agents interface {
	ListOnline(ctx context.Context) ([]*agent.Agent, error)
}

// Notifier tells an agent about a new assignment. Failures are logged only.
type Notifier interface {
	NotifyAssigned(ctx context.Context, a *agent.Agent, o *order.Order) error
}

type Service struct {
	orders    Orders
	locations Locations
	agents    Agents
	notifier  Notifier
	attempts  AttemptLog
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(orders Orders, locations Locations, agents Agents, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		orders:    orders,
		locations: locations,
		agents:    agents,
		notifier:  NoopNotifier{},
		attempts:  NewMemoryAttemptLog(),
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "matching"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

func (s *Service) SetAttemptLog(l AttemptLog) {
	if l != nil {
		s.attempts = l
	}
}

// Match assigns orderID to the nearest eligible agent. A lost race is retried
// once against a fresh read of the order and a recomputed candidate list.
func (s *Service) Match(ctx context.Context, orderID types.ID) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.Status != order.StatusPending {
			return nil, ErrOrderUnavailable
		}

		candidates, online, err := s.candidates(ctx, o)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, noAgentError(s.cfg.RadiusKm, s.cfg.Freshness)
		}

		best := candidates[0]
		assigned, err := s.orders.Assign(ctx, order.AssignCommand{
			OrderID:         o.ID,
			AgentID:         best.AgentID,
			ExpectedVersion: o.Version,
			Capacity:        best.Capacity,
			Actor:           order.SystemActor,
		})
		if err == nil {
			s.logger.Info("order matched",
				"order_id", o.ID,
				"agent_id", best.AgentID,
				"distance_km", best.DistanceKm,
				"attempt", attempt+1)
			s.notify(ctx, online[best.AgentID], assigned)
			return &Result{OrderID: o.ID, AgentID: best.AgentID, DistanceKm: best.DistanceKm, Order: assigned}, nil
		}
		if !errors.Is(err, errs.ErrStateConflict) {
			return nil, err
		}
		s.logger.Debug("assign lost a race", "order_id", o.ID, "agent_id", best.AgentID, "attempt", attempt+1, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// Candidates lists eligible agents for the order, best first.
func (s *Service) Candidates(ctx context.Context, orderID types.ID) ([]Candidate, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c, _, err := s.candidates(ctx, o)
	return c, err
}

// candidates keeps online delivery agents with a fresh location inside the
// radius and spare capacity. Order is inherited from location.SortNearest.
func (s *Service) candidates(ctx context.Context, o *order.Order) ([]Candidate, map[types.ID]*agent.Agent, error) {
	online, err := s.agents.ListOnline(ctx)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[types.ID]*agent.Agent, len(online))
	for _, a := range online {
		if a.Role == agent.RoleDelivery {
			byID[a.ID] = a
		}
	}
	if len(byID) == 0 {
		return nil, byID, nil
	}

	nearby, err := s.locations.Nearby(ctx, o.Pickup, s.cfg.RadiusKm, s.cfg.Freshness)
	if err != nil {
		return nil, nil, err
	}

	var out []Candidate
	for _, n := range nearby {
		a, ok := byID[n.AgentID]
		if !ok {
			continue
		}
		active, err := s.orders.CountActiveByAgent(ctx, n.AgentID)
		if err != nil {
			return nil, nil, err
		}
		capacity := a.EffectiveCapacity(s.cfg.DefaultCapacity)
		if active >= capacity {
			continue
		}
		out = append(out, Candidate{
			AgentID:      n.AgentID,
			Position:     n.Position,
			CapturedAt:   n.CapturedAt,
			DistanceKm:   n.DistanceKm,
			ActiveOrders: active,
			Capacity:     capacity,
		})
	}
	return out, byID, nil
}

// DispatchPending tries to match every pending order, oldest first. Orders that
// recently found no agent are skipped until the backoff passes.
func (s *Service) DispatchPending(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	pending, err := s.orders.ListUnassigned(ctx, s.cfg.BatchSize)
	if err != nil {
		return report, err
	}

	for _, o := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Considered++

		if s.backingOff(ctx, o.ID) {
			report.Skipped++
			continue
		}

		_, err := s.Match(ctx, o.ID)
		switch {
		case err == nil:
			report.Assigned++
		case errors.Is(err, errs.ErrNoAvailableAgent):
			report.NoAgent++
			if err := s.attempts.RecordAttempt(ctx, o.ID, s.now()); err != nil {
				s.logger.Warn("record dispatch attempt failed", "order_id", o.ID, "error", err)
			}
		case errors.Is(err, errs.ErrStateConflict):
			report.Conflicts++
		default:
			report.Failed++
			s.logger.Error("dispatch failed", "order_id", o.ID, "error", err)
		}
	}
	return report, nil
}

func (s *Service) backingOff(ctx context.Context, orderID types.ID) bool {
	if s.cfg.RetryBackoff == 0 {
		return false
	}
	last, ok, err := s.attempts.LastAttempt(ctx, orderID)
	if err != nil {
		s.logger.Warn("read dispatch attempt failed", "order_id", orderID, "error", err)
		return false
	}
	return ok && s.now().Sub(last) < s.cfg.RetryBackoff
}

func (s *Service) notify(ctx context.Context, a *agent.Agent, o *order.Order) {
	if a == nil {
		return
	}
	if err := s.notifier.NotifyAssigned(ctx, a, o); err != nil {
		s.logger.Warn("assignment notification failed", "order_id", o.ID, "agent_id", a.ID, "error", err)
	}
}
