// README: Shop directory records: where an order is collected.
package shop

import (
	"time"

	"dispatch/internal/types"
)

type Shop struct {
	ID        types.ID    `json:"id"`
	Name      string      `json:"name"`
	Pickup    types.Point `json:"pickup"`
	Active    bool        `json:"active"`
	UpdatedAt time.Time   `json:"updated_at"`
}
