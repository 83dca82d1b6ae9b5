// README: Agent directory records: role, availability and capacity.
package agent

import (
	"fmt"
	"time"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

type Role string

const (
	RoleDelivery Role = "delivery"
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleDelivery, RoleCustomer, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", errs.ErrValidation, s)
	}
}

// DefaultCapacity is how many active orders a delivery agent carries when no
// capacity is recorded.
const DefaultCapacity = 1

type Agent struct {
	ID          types.ID  `json:"id"`
	Role        Role      `json:"role"`
	Online      bool      `json:"online"`
	Capacity    int       `json:"capacity"`
	DeviceToken string    `json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EffectiveCapacity falls back to def when none is recorded.
func (a Agent) EffectiveCapacity(def int) int {
	if a.Capacity > 0 {
		return a.Capacity
	}
	if def > 0 {
		return def
	}
	return DefaultCapacity
}
