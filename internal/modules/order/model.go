// README: Order aggregate, status graph and audit events.
package order

import (
	"fmt"
	"time"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

type Status string

const (
	StatusNone           Status = "none"
	StatusPending        Status = "pending"
	StatusAssigned       Status = "assigned"
	StatusAccepted       Status = "accepted"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// ActiveStatuses hold an agent's capacity.
var ActiveStatuses = []Status{StatusAssigned, StatusAccepted, StatusOutForDelivery}

type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorAgent    ActorType = "agent"
	ActorAdmin    ActorType = "admin"
	ActorSystem   ActorType = "system"
)

// Actor is who asked for a transition.
type Actor struct {
	Type ActorType
	ID   types.ID
}

var SystemActor = Actor{Type: ActorSystem}

type Order struct {
	ID           types.ID    `json:"id"`
	CustomerID   types.ID    `json:"customer_id"`
	ShopID       types.ID    `json:"shop_id,omitempty"`
	Status       Status      `json:"status"`
	Pickup       types.Point `json:"pickup"`
	Dropoff      types.Point `json:"dropoff"`
	AgentID      *types.ID   `json:"agent_id,omitempty"`
	Amount       types.Money `json:"amount"`
	DeliveryFee  types.Money `json:"delivery_fee"`
	DeliveryType string      `json:"delivery_type"`
	CreatedAt    time.Time   `json:"created_at"`
	AssignedAt   *time.Time  `json:"assigned_at,omitempty"`
	AcceptedAt   *time.Time  `json:"accepted_at,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	DeliveredAt  *time.Time  `json:"delivered_at,omitempty"`
	CancelledAt  *time.Time  `json:"cancelled_at,omitempty"`
	CancelReason *string     `json:"cancel_reason,omitempty"`
	Version      int64       `json:"version"`
}

// AssignedTo reports whether agentID is the order's agent.
func (o *Order) AssignedTo(agentID types.ID) bool {
	return o.AgentID != nil && *o.AgentID == agentID
}

type Event struct {
	ID         int64     `json:"id"`
	OrderID    types.ID  `json:"order_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  ActorType `json:"actor_type"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatusChange is the payload of order-status-changed events.
type StatusChange struct {
	OrderID    types.ID  `json:"order_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	AgentID    *types.ID `json:"agent_id,omitempty"`
	Version    int64     `json:"version"`
	At         time.Time `json:"at"`
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:        {StatusAssigned, StatusCancelled},
	StatusAssigned:       {StatusAccepted, StatusCancelled},
	StatusAccepted:       {StatusOutForDelivery, StatusCancelled},
	StatusOutForDelivery: {StatusDelivered},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return s == StatusDelivered || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusAssigned, StatusAccepted, StatusOutForDelivery, StatusDelivered, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown order status %q", errs.ErrValidation, s)
	}
}

// requiresAgent lists statuses that only make sense with an agent attached.
func requiresAgent(s Status) bool {
	switch s {
	case StatusAssigned, StatusAccepted, StatusOutForDelivery, StatusDelivered:
		return true
	}
	return false
}
