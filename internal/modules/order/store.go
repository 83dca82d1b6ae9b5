// README: Order store backed by PostgreSQL; every transition is a compare-and-swap on version.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

// Repository persists orders. UpdateStatus must apply t only if the stored
// order still has t.From and t.Version, returning ErrConflict otherwise.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	UpdateStatus(ctx context.Context, t Transition) (*Order, error)
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, orderID types.ID) ([]Event, error)
	ListUnassigned(ctx context.Context, limit int) ([]*Order, error)
	ActiveByAgent(ctx context.Context, agentID types.ID) ([]*Order, error)
	CountActiveByAgent(ctx context.Context, agentID types.ID) (int, error)
}

// Transition is one conditional status write.
type Transition struct {
	OrderID types.ID
	From    Status
	To      Status
	Version int64
	// AgentID replaces the agent when set; ClearAgent removes it.
	AgentID    *types.ID
	ClearAgent bool
	Reason     *string
	// AgentCapacity > 0 also requires AgentID to hold fewer active orders.
	AgentCapacity int
	At            time.Time
}

const orderColumns = `
	id, customer_id, shop_id, status, version,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	agent_id, amount, delivery_fee, currency, delivery_type,
	created_at, assigned_at, accepted_at, started_at, delivered_at, cancelled_at, cancel_reason`

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, o *Order) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, shop_id, status, version,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			agent_id, amount, delivery_fee, currency, delivery_type, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15
		)`,
		string(o.ID),
		string(o.CustomerID),
		string(o.ShopID),
		string(o.Status),
		o.Version,
		o.Pickup.Lat, o.Pickup.Lng,
		o.Dropoff.Lat, o.Dropoff.Lng,
		toStringPtr(o.AgentID),
		o.Amount.Amount,
		o.DeliveryFee.Amount,
		o.DeliveryFee.Currency,
		o.DeliveryType,
		o.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NewObjectNotFoundError("order", id)
	}
	return o, err
}

func (s *Store) UpdateStatus(ctx context.Context, t Transition) (*Order, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	agent := toStringPtr(t.AgentID)
	if t.AgentCapacity > 0 && agent != nil {
		// Serializes capacity checks per agent across concurrent assigns.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, *agent); err != nil {
			return nil, fmt.Errorf("lock agent %s: %w", *agent, err)
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $1,
			version = version + 1,
			agent_id = CASE WHEN $2::boolean THEN NULL ELSE COALESCE($3::text, agent_id) END,
			assigned_at = CASE WHEN $1 = 'assigned' THEN $4 ELSE assigned_at END,
			accepted_at = CASE WHEN $1 = 'accepted' THEN $4 ELSE accepted_at END,
			started_at = CASE WHEN $1 = 'out_for_delivery' THEN $4 ELSE started_at END,
			delivered_at = CASE WHEN $1 = 'delivered' THEN $4 ELSE delivered_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled' THEN $4 ELSE cancelled_at END,
			cancel_reason = COALESCE($5, cancel_reason)
		WHERE id = $6 AND status = $7 AND version = $8
		  AND ($9::int = 0 OR (
			SELECT COUNT(*) FROM orders busy
			WHERE busy.agent_id = $3::text
			  AND busy.status IN ('assigned', 'accepted', 'out_for_delivery')
		  ) < $9::int)
		RETURNING `+orderColumns,
		string(t.To),
		t.ClearAgent,
		agent,
		t.At,
		t.Reason,
		string(t.OrderID),
		string(t.From),
		t.Version,
		t.AgentCapacity,
	)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	return s.db.QueryRow(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_type, actor_id, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorType),
		toStringPtr(e.ActorID),
		e.Version,
		e.CreatedAt,
	).Scan(&e.ID)
}

func (s *Store) Events(ctx context.Context, orderID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_type, actor_id, version, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id ASC`, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var id, from, to, actorType string
		var actorID *string
		if err := rows.Scan(&e.ID, &id, &from, &to, &actorType, &actorID, &e.Version, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OrderID = types.ID(id)
		e.FromStatus = Status(from)
		e.ToStatus = Status(to)
		e.ActorType = ActorType(actorType)
		e.ActorID = toIDPtr(actorID)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListUnassigned is the single query behind every "orders waiting for an
// agent" view: pending orders, oldest first.
func (s *Store) ListUnassigned(ctx context.Context, limit int) ([]*Order, error) {
	// LIMIT NULL is no limit, matching MemoryStore for limit <= 0.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return s.list(ctx, `SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, lim)
}

func (s *Store) ActiveByAgent(ctx context.Context, agentID types.ID) ([]*Order, error) {
	return s.list(ctx, `SELECT `+orderColumns+`
		FROM orders
		WHERE agent_id = $1
		  AND status IN ('assigned', 'accepted', 'out_for_delivery')
		ORDER BY assigned_at ASC, id ASC`, string(agentID))
}

func (s *Store) CountActiveByAgent(ctx context.Context, agentID types.ID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE agent_id = $1
		  AND status IN ('assigned', 'accepted', 'out_for_delivery')`, string(agentID),
	).Scan(&n)
	return n, err
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var id, customerID, shopID, status, currency string
	var agentID, cancelReason *string

	err := row.Scan(
		&id, &customerID, &shopID, &status, &o.Version,
		&o.Pickup.Lat, &o.Pickup.Lng, &o.Dropoff.Lat, &o.Dropoff.Lng,
		&agentID, &o.Amount.Amount, &o.DeliveryFee.Amount, &currency, &o.DeliveryType,
		&o.CreatedAt, &o.AssignedAt, &o.AcceptedAt, &o.StartedAt, &o.DeliveredAt, &o.CancelledAt, &cancelReason,
	)
	if err != nil {
		return nil, err
	}

	o.ID = types.ID(id)
	o.CustomerID = types.ID(customerID)
	o.ShopID = types.ID(shopID)
	o.Status = Status(status)
	o.AgentID = toIDPtr(agentID)
	o.CancelReason = cancelReason
	if currency == "" {
		currency = types.DefaultCurrency
	}
	o.Amount.Currency = currency
	o.DeliveryFee.Currency = currency
	return &o, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v *string) *types.ID {
	if v == nil {
		return nil
	}
	id := types.ID(*v)
	return &id
}
