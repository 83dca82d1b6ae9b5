// README: In-memory order repository with the same compare-and-swap semantics as Store.
package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

type MemoryStore struct {
	mu     sync.Mutex
	orders map[types.ID]*Order
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[types.ID]*Order)}
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", errs.ErrStateConflict, o.ID)
	}
	s.orders[o.ID] = clone(o)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errs.NewObjectNotFoundError("order", id)
	}
	return clone(o), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, t Transition) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[t.OrderID]
	if !ok || o.Status != t.From || o.Version != t.Version {
		return nil, ErrConflict
	}
	if t.AgentCapacity > 0 && t.AgentID != nil && s.countActiveLocked(*t.AgentID) >= t.AgentCapacity {
		return nil, ErrConflict
	}

	next := clone(o)
	next.Status = t.To
	next.Version++
	switch {
	case t.ClearAgent:
		next.AgentID = nil
	case t.AgentID != nil:
		id := *t.AgentID
		next.AgentID = &id
	}
	at := t.At
	switch t.To {
	case StatusAssigned:
		next.AssignedAt = &at
	case StatusAccepted:
		next.AcceptedAt = &at
	case StatusOutForDelivery:
		next.StartedAt = &at
	case StatusDelivered:
		next.DeliveredAt = &at
	case StatusCancelled:
		next.CancelledAt = &at
	}
	if t.Reason != nil {
		r := *t.Reason
		next.CancelReason = &r
	}
	s.orders[t.OrderID] = next
	return clone(next), nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.events) + 1)
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) Events(_ context.Context, orderID types.ID) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUnassigned(_ context.Context, limit int) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status == StatusPending {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ActiveByAgent(_ context.Context, agentID types.ID) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if isActive(o.Status) && o.AssignedTo(agentID) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CountActiveByAgent(_ context.Context, agentID types.ID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countActiveLocked(agentID), nil
}

func (s *MemoryStore) countActiveLocked(agentID types.ID) int {
	n := 0
	for _, o := range s.orders {
		if isActive(o.Status) && o.AssignedTo(agentID) {
			n++
		}
	}
	return n
}

func isActive(st Status) bool {
	for _, a := range ActiveStatuses {
		if st == a {
			return true
		}
	}
	return false
}

func clone(o *Order) *Order {
	c := *o
	if o.AgentID != nil {
		id := *o.AgentID
		c.AgentID = &id
	}
	c.AssignedAt = cloneTime(o.AssignedAt)
	c.AcceptedAt = cloneTime(o.AcceptedAt)
	c.StartedAt = cloneTime(o.StartedAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	if o.CancelReason != nil {
		r := *o.CancelReason
		c.CancelReason = &r
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
