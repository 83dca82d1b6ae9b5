// README: Order service implements state transitions and persistence.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dispatch/internal/errs"
	"dispatch/internal/modules/presence"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/types"
)

// DefaultDeliveryRadiusMeters is how close an agent must be to the drop-off to
// mark an order delivered.
const DefaultDeliveryRadiusMeters = 500.0

const defaultDeliveryType = "standard"

// List limits for the unassigned queue. Zero or negative means the default.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

var (
	ErrInvalidState     = fmt.Errorf("%w: invalid state transition", errs.ErrStateConflict)
	ErrConflict         = fmt.Errorf("%w: order no longer available", errs.ErrStateConflict)
	ErrAgentAtCapacity  = fmt.Errorf("%w: agent has no free capacity", errs.ErrStateConflict)
	ErrNotAssignedAgent = fmt.Errorf("%w: caller is not the assigned agent", errs.ErrAuthorization)
	ErrNotEntitled      = fmt.Errorf("%w: actor may not perform this action", errs.ErrAuthorization)
	ErrNoAgentLocation  = fmt.Errorf("%w: no location reported", errs.ErrValidation)
)

// TooFarError rejects a delivery attempted away from the drop-off.
type TooFarError struct {
	DistanceMeters float64
	LimitMeters    float64
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("agent is %.0f m from the drop-off, delivery requires %.0f m or less", e.DistanceMeters, e.LimitMeters)
}

func (e *TooFarError) Unwrap() error {
	return errs.ErrValidation
}

type Pricing interface {
	QuoteRoute(ctx context.Context, from, to types.Point) (pricing.Quote, error)
}

// PositionReader gives the last known position of an agent.
type PositionReader interface {
	LatestPosition(ctx context.Context, agentID types.ID) (types.Point, bool, error)
}

// ShopDirectory resolves where a shop's orders are collected.
type ShopDirectory interface {
	PickupOf(ctx context.Context, shopID types.ID) (types.Point, error)
}

type Publisher interface {
	Publish(topic string, e presence.Event)
}

type Service struct {
	store                Repository
	shops                ShopDirectory
	pricing              Pricing
	positions            PositionReader
	hub                  Publisher
	logger               *slog.Logger
	now                  func() time.Time
	deliveryRadiusMeters float64
}

func NewService(store Repository, shops ShopDirectory, pricing Pricing, positions PositionReader, hub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:                store,
		shops:                shops,
		pricing:              pricing,
		positions:            positions,
		hub:                  hub,
		logger:               logger.With("component", "order"),
		now:                  func() time.Time { return time.Now().UTC() },
		deliveryRadiusMeters: DefaultDeliveryRadiusMeters,
	}
}

func (s *Service) SetDeliveryRadius(meters float64) {
	if meters > 0 {
		s.deliveryRadiusMeters = meters
	}
}

// CreateCommand carries no pickup: it is always the shop's registered one.
type CreateCommand struct {
	CustomerID   types.ID
	ShopID       types.ID
	Dropoff      types.Point
	Amount       types.Money
	DeliveryType string
}

type AssignCommand struct {
	OrderID         types.ID
	AgentID         types.ID
	ExpectedVersion int64
	// Capacity is the agent's limit of active orders; 0 disables the check.
	Capacity int
	Actor    Actor
}

// AgentCommand drives accept, start and deliver.
type AgentCommand struct {
	OrderID         types.ID
	AgentID         types.ID
	ExpectedVersion int64
}

type CancelCommand struct {
	OrderID         types.ID
	Actor           Actor
	Reason          string
	ExpectedVersion int64
}

type OverrideCommand struct {
	OrderID         types.ID
	Status          Status
	AgentID         *types.ID
	Reason          string
	ExpectedVersion int64
	Actor           Actor
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Order, error) {
	if cmd.CustomerID.IsZero() {
		return nil, errs.NewValueIsRequiredError("customer_id")
	}
	if cmd.ShopID.IsZero() {
		return nil, errs.NewValueIsRequiredError("shop_id")
	}
	if err := cmd.Dropoff.Validate(); err != nil {
		return nil, err
	}
	if cmd.Amount.Amount < 0 {
		return nil, errs.NewValueIsInvalidError("amount")
	}
	deliveryType := strings.TrimSpace(cmd.DeliveryType)
	if deliveryType == "" {
		deliveryType = defaultDeliveryType
	}
	if s.shops == nil {
		return nil, errs.NewObjectNotFoundError("shop", cmd.ShopID)
	}
	pickup, err := s.shops.PickupOf(ctx, cmd.ShopID)
	if err != nil {
		return nil, err
	}

	fee := types.NewMoney(0, cmd.Amount.Currency)
	if s.pricing != nil {
		q, err := s.pricing.QuoteRoute(ctx, pickup, cmd.Dropoff)
		if err != nil {
			return nil, err
		}
		fee = q.Fee
	}

	now := s.now()
	o := &Order{
		ID:           types.NewID(),
		CustomerID:   cmd.CustomerID,
		ShopID:       cmd.ShopID,
		Status:       StatusPending,
		Pickup:       pickup,
		Dropoff:      cmd.Dropoff,
		Amount:       types.NewMoney(cmd.Amount.Amount, fee.Currency),
		DeliveryFee:  fee,
		DeliveryType: deliveryType,
		CreatedAt:    now,
		Version:      1,
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, err
	}
	s.record(ctx, StatusNone, nil, o, Actor{Type: ActorCustomer, ID: cmd.CustomerID})
	return o, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

// Assign moves a pending order to agentID.
func (s *Service) Assign(ctx context.Context, cmd AssignCommand) (*Order, error) {
	if cmd.AgentID.IsZero() {
		return nil, errs.NewValueIsRequiredError("agent_id")
	}
	actor := cmd.Actor
	if actor.Type == "" {
		actor = SystemActor
	}
	o, err := s.transition(ctx, cmd.OrderID, cmd.ExpectedVersion, StatusAssigned, actor, nil,
		func(_ *Order, t *Transition) {
			agentID := cmd.AgentID
			t.AgentID = &agentID
			t.AgentCapacity = cmd.Capacity
		})
	if errors.Is(err, ErrConflict) && cmd.Capacity > 0 {
		return nil, s.explainAssignConflict(ctx, cmd)
	}
	return o, err
}

// explainAssignConflict tells a lost race from a full agent: if the order is
// untouched, the capacity guard refused the write.
func (s *Service) explainAssignConflict(ctx context.Context, cmd AssignCommand) error {
	cur, err := s.store.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	if cur.Status == StatusPending && (cmd.ExpectedVersion == 0 || cur.Version == cmd.ExpectedVersion) {
		n, err := s.store.CountActiveByAgent(ctx, cmd.AgentID)
		if err == nil && n >= cmd.Capacity {
			return fmt.Errorf("%w: agent %s holds %d of %d", ErrAgentAtCapacity, cmd.AgentID, n, cmd.Capacity)
		}
	}
	return ErrConflict
}

func (s *Service) Accept(ctx context.Context, cmd AgentCommand) (*Order, error) {
	return s.transition(ctx, cmd.OrderID, cmd.ExpectedVersion, StatusAccepted,
		Actor{Type: ActorAgent, ID: cmd.AgentID}, s.requireAssigned(cmd.AgentID), nil)
}

func (s *Service) Start(ctx context.Context, cmd AgentCommand) (*Order, error) {
	return s.transition(ctx, cmd.OrderID, cmd.ExpectedVersion, StatusOutForDelivery,
		Actor{Type: ActorAgent, ID: cmd.AgentID}, s.requireAssigned(cmd.AgentID), nil)
}

// Deliver also requires the agent's last reported position to be within the
// delivery radius of the drop-off.
func (s *Service) Deliver(ctx context.Context, cmd AgentCommand) (*Order, error) {
	assigned := s.requireAssigned(cmd.AgentID)
	guard := func(ctx context.Context, o *Order) error {
		if err := assigned(ctx, o); err != nil {
			return err
		}
		if s.positions == nil {
			return ErrNoAgentLocation
		}
		pos, ok, err := s.positions.LatestPosition(ctx, cmd.AgentID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoAgentLocation
		}
		if d := types.DistanceMeters(pos, o.Dropoff); d > s.deliveryRadiusMeters {
			return &TooFarError{DistanceMeters: d, LimitMeters: s.deliveryRadiusMeters}
		}
		return nil
	}
	return s.transition(ctx, cmd.OrderID, cmd.ExpectedVersion, StatusDelivered,
		Actor{Type: ActorAgent, ID: cmd.AgentID}, guard, nil)
}

// Cancel is open to admins, the system and the order's customer. Cancelling an
// assigned order releases the agent's capacity.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Order, error) {
	guard := func(_ context.Context, o *Order) error {
		switch cmd.Actor.Type {
		case ActorAdmin, ActorSystem:
			return nil
		case ActorCustomer:
			if cmd.Actor.ID == o.CustomerID {
				return nil
			}
		}
		return ErrNotEntitled
	}
	return s.transition(ctx, cmd.OrderID, cmd.ExpectedVersion, StatusCancelled, cmd.Actor, guard,
		func(_ *Order, t *Transition) {
			t.Reason = reasonPtr(cmd.Reason)
		})
}

// AdminOverrideStatus sets any status on a non-terminal order, bypassing the
// transition graph but not the version check.
func (s *Service) AdminOverrideStatus(ctx context.Context, cmd OverrideCommand) (*Order, error) {
	if cmd.Actor.Type != ActorAdmin {
		return nil, ErrNotEntitled
	}
	if _, err := ParseStatus(string(cmd.Status)); err != nil {
		return nil, err
	}

	o, err := s.load(ctx, cmd.OrderID, cmd.ExpectedVersion, cmd.Actor)
	if err != nil {
		return nil, err
	}
	if IsTerminal(o.Status) {
		return nil, fmt.Errorf("%w: order is %s and cannot change", ErrInvalidState, o.Status)
	}
	if o.Status == cmd.Status {
		return nil, fmt.Errorf("%w: order is already %s", ErrInvalidState, o.Status)
	}

	t := Transition{OrderID: o.ID, From: o.Status, To: cmd.Status, Version: o.Version, At: s.now()}
	switch {
	case cmd.Status == StatusPending:
		t.ClearAgent = true
	case requiresAgent(cmd.Status):
		if cmd.AgentID != nil && !cmd.AgentID.IsZero() {
			agentID := *cmd.AgentID
			t.AgentID = &agentID
		} else if o.AgentID == nil {
			return nil, errs.NewValueIsRequiredError("agent_id")
		}
	case cmd.Status == StatusCancelled:
		t.Reason = reasonPtr(cmd.Reason)
	}
	return s.apply(ctx, o, t, cmd.Actor)
}

func (s *Service) ListUnassigned(ctx context.Context, limit int) ([]*Order, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.store.ListUnassigned(ctx, limit)
}

func (s *Service) ActiveOrdersByAgent(ctx context.Context, agentID types.ID) ([]*Order, error) {
	return s.store.ActiveByAgent(ctx, agentID)
}

func (s *Service) CountActiveByAgent(ctx context.Context, agentID types.ID) (int, error) {
	return s.store.CountActiveByAgent(ctx, agentID)
}

// ActiveOrderIDs lets the location module route an agent's moves to the
// orders it carries.
func (s *Service) ActiveOrderIDs(ctx context.Context, agentID types.ID) ([]types.ID, error) {
	orders, err := s.store.ActiveByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *Service) Events(ctx context.Context, orderID types.ID) ([]Event, error) {
	if _, err := s.store.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, orderID)
}

type guardFunc func(ctx context.Context, o *Order) error

func (s *Service) requireAssigned(agentID types.ID) guardFunc {
	return func(_ context.Context, o *Order) error {
		if agentID.IsZero() || !o.AssignedTo(agentID) {
			return ErrNotAssignedAgent
		}
		return nil
	}
}

// transition loads the order, checks the graph and guard, and applies the
// write conditioned on the version just read.
func (s *Service) transition(
	ctx context.Context,
	id types.ID,
	expectedVersion int64,
	to Status,
	actor Actor,
	guard guardFunc,
	build func(o *Order, t *Transition),
) (*Order, error) {
	o, err := s.load(ctx, id, expectedVersion, actor)
	if err != nil {
		return nil, err
	}
	if !CanTransition(o.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, o.Status, to)
	}
	if guard != nil {
		if err := guard(ctx, o); err != nil {
			return nil, err
		}
	}
	t := Transition{OrderID: o.ID, From: o.Status, To: to, Version: o.Version, At: s.now()}
	if build != nil {
		build(o, &t)
	}
	return s.apply(ctx, o, t, actor)
}

// load reads the order and checks the caller's version. Only the system actor
// may omit it; it re-reads and retries on conflict.
func (s *Service) load(ctx context.Context, id types.ID, expectedVersion int64, actor Actor) (*Order, error) {
	if id.IsZero() {
		return nil, errs.NewValueIsRequiredError("order_id")
	}
	switch {
	case expectedVersion < 0:
		return nil, errs.NewValueIsInvalidError("version")
	case expectedVersion == 0 && actor.Type != ActorSystem:
		return nil, errs.NewValueIsRequiredError("version")
	}
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && o.Version != expectedVersion {
		return nil, fmt.Errorf("%w: version %d, expected %d", ErrConflict, o.Version, expectedVersion)
	}
	return o, nil
}

func (s *Service) apply(ctx context.Context, before *Order, t Transition, actor Actor) (*Order, error) {
	updated, err := s.store.UpdateStatus(ctx, t)
	if err != nil {
		return nil, err
	}
	s.record(ctx, before.Status, before.AgentID, updated, actor)
	return updated, nil
}

// record appends the audit event and broadcasts the change. Neither can fail
// the transition, which is already persisted.
func (s *Service) record(ctx context.Context, from Status, prevAgent *types.ID, o *Order, actor Actor) {
	var actorID *types.ID
	if !actor.ID.IsZero() {
		id := actor.ID
		actorID = &id
	}
	ev := &Event{
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   o.Status,
		ActorType:  actor.Type,
		ActorID:    actorID,
		Version:    o.Version,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		s.logger.Warn("append order event failed", "order_id", o.ID, "to", o.Status, "error", err)
	}

	s.logger.Info("order status changed",
		"order_id", o.ID,
		"from", from,
		"to", o.Status,
		"version", o.Version,
		"actor_type", actor.Type)

	if s.hub == nil {
		return
	}
	change := StatusChange{
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   o.Status,
		AgentID:    o.AgentID,
		Version:    o.Version,
		At:         ev.CreatedAt,
	}
	event := presence.NewEvent(presence.EventOrderStatusChanged, "", change)
	s.hub.Publish(presence.OrderTopic(o.ID), event)
	s.hub.Publish(presence.GlobalTopic, event)

	// Agents learn about orders given to or taken from them.
	if o.Status == StatusAssigned || o.Status == StatusCancelled || o.Status == StatusPending {
		notified := map[types.ID]bool{}
		for _, a := range []*types.ID{prevAgent, o.AgentID} {
			if a != nil && !notified[*a] {
				notified[*a] = true
				s.hub.Publish(presence.AgentTopic(*a), event)
			}
		}
	}
}

func reasonPtr(reason string) *string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil
	}
	return &reason
}
