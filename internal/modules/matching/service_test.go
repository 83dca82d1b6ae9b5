// README: Matching tests wire the real order, location and agent services over memory stores.
package matching

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"dispatch/internal/errs"
	"dispatch/internal/modules/agent"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/modules/shop"
	"dispatch/internal/types"
)

var (
	pickup  = types.Point{Lat: 36.705, Lng: 3.005}
	dropoff = types.Point{Lat: 36.720, Lng: 3.050}
)

type fixture struct {
	orders    *order.Service
	locations *location.Service
	agents    *agent.Service
	matcher   *Service
	notified  *recordingNotifier
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []types.ID
}

func (n *recordingNotifier) NotifyAssigned(_ context.Context, a *agent.Agent, _ *order.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, a.ID)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := quietLogger()
	f := &fixture{notified: &recordingNotifier{}}
	f.locations = location.NewService(location.NewMemoryStore(), nil, logger)
	shops := shop.NewService(shop.NewMemoryStore(shop.Shop{ID: "shop-1", Pickup: pickup, Active: true}), logger)
	f.orders = order.NewService(order.NewMemoryStore(), shops, pricing.NewService(pricing.DefaultTiers()), f.locations, nil, logger)
	f.locations.SetAssignmentLookup(f.orders)
	f.agents = agent.NewService(agent.NewMemoryStore(), logger)
	f.matcher = NewService(f.orders, f.locations, f.agents, cfg, logger)
	f.matcher.SetNotifier(f.notified)
	return f
}

func (f *fixture) onlineAgent(t *testing.T, id types.ID, capacity int, at types.Point, capturedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := f.agents.Register(ctx, agent.RegisterCommand{ID: id, Role: agent.RoleDelivery, Capacity: capacity})
	require.NoError(t, err)
	require.NoError(t, f.agents.SetOnline(ctx, id, true))
	_, err = f.locations.Upsert(ctx, location.Report{AgentID: id, Lat: at.Lat, Lng: at.Lng, CapturedAt: capturedAt})
	require.NoError(t, err)
}

func (f *fixture) createOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), order.CreateCommand{
		CustomerID: "cust-1",
		ShopID:     "shop-1",
		Dropoff:    dropoff,
		Amount:     types.NewMoney(1500, ""),
	})
	require.NoError(t, err)
	return o
}

func TestMatch_PicksNearestFreshAgent(t *testing.T) {
	f := newFixture(t, Config{})
	now := time.Now().UTC()
	f.onlineAgent(t, "A", 1, types.Point{Lat: 36.70, Lng: 3.00}, now.Add(-20*time.Second))
	f.onlineAgent(t, "B", 1, types.Point{Lat: 36.75, Lng: 3.10}, now.Add(-18*time.Second))
	o := f.createOrder(t)

	res, err := f.matcher.Match(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ID("A"), res.AgentID)
	assert.InDelta(t, 0.7, res.DistanceKm, 0.1)
	assert.Equal(t, order.StatusAssigned, res.Order.Status)
	assert.Equal(t, []types.ID{"A"}, f.notified.calls)

	got, err := f.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, types.ID("A"), *got.AgentID)
}

func TestMatch_IgnoresStaleOfflineAndFullAgents(t *testing.T) {
	f := newFixture(t, Config{Freshness: 5 * time.Minute})
	ctx := context.Background()
	now := time.Now().UTC()

	// Closest, but its last fix is too old.
	f.onlineAgent(t, "stale", 1, pickup, now.Add(-10*time.Minute))
	// Close and fresh, but offline.
	f.onlineAgent(t, "offline", 1, pickup, now.Add(-time.Second))
	require.NoError(t, f.agents.SetOnline(ctx, "offline", false))
	// Close and fresh, but already carrying an order.
	f.onlineAgent(t, "busy", 1, pickup, now.Add(-time.Second))
	first := f.createOrder(t)
	_, err := f.orders.Assign(ctx, order.AssignCommand{OrderID: first.ID, AgentID: "busy", Capacity: 1, Actor: order.SystemActor})
	require.NoError(t, err)

	f.onlineAgent(t, "far", 1, types.Point{Lat: 36.75, Lng: 3.10}, now.Add(-time.Second))

	o := f.createOrder(t)
	cands, err := f.matcher.Candidates(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, types.ID("far"), cands[0].AgentID)

	res, err := f.matcher.Match(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ID("far"), res.AgentID)
}

func TestMatch_NoAgentLeavesOrderPending(t *testing.T) {
	f := newFixture(t, Config{RadiusKm: 1})
	f.onlineAgent(t, "far", 1, types.Point{Lat: 36.75, Lng: 3.10}, time.Now().UTC())
	o := f.createOrder(t)

	_, err := f.matcher.Match(context.Background(), o.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrNoAvailableAgent)

	got, err := f.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.Nil(t, got.AgentID)
	assert.Empty(t, f.notified.calls)
}

func TestMatch_OrderNoLongerPending(t *testing.T) {
	f := newFixture(t, Config{})
	f.onlineAgent(t, "A", 1, pickup, time.Now().UTC())
	o := f.createOrder(t)
	_, err := f.orders.Cancel(context.Background(), order.CancelCommand{OrderID: o.ID, Actor: order.SystemActor})
	require.NoError(t, err)

	_, err = f.matcher.Match(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrOrderUnavailable)
	assert.ErrorIs(t, err, errs.ErrStateConflict)
}

func TestMatch_ConcurrentMatchAssignsOnce(t *testing.T) {
	f := newFixture(t, Config{})
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		f.onlineAgent(t, types.ID(fmt.Sprintf("ag-%d", i)), 1, types.Point{Lat: pickup.Lat + float64(i)*0.001, Lng: pickup.Lng}, now)
	}
	o := f.createOrder(t)

	var won atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := f.matcher.Match(context.Background(), o.ID)
			switch {
			case err == nil:
				won.Add(1)
				return nil
			case errorsIsConflict(err):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), won.Load())

	events, err := f.orders.Events(context.Background(), o.ID)
	require.NoError(t, err)
	assigned := 0
	for _, e := range events {
		if e.ToStatus == order.StatusAssigned {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func errorsIsConflict(err error) bool {
	return err != nil && errs.Kind(err) == errs.ErrStateConflict
}

func TestMatch_CancelFreesCapacity(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.onlineAgent(t, "solo", 1, pickup, time.Now().UTC())

	first := f.createOrder(t)
	_, err := f.matcher.Match(ctx, first.ID)
	require.NoError(t, err)

	second := f.createOrder(t)
	_, err = f.matcher.Match(ctx, second.ID)
	require.ErrorIs(t, err, errs.ErrNoAvailableAgent)

	_, err = f.orders.Cancel(ctx, order.CancelCommand{OrderID: first.ID, Actor: order.SystemActor, Reason: "customer called"})
	require.NoError(t, err)

	res, err := f.matcher.Match(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ID("solo"), res.AgentID)
}

// racingOrders makes the first Assign lose to a concurrent writer.
type racingOrders struct {
	*order.Service
	raced atomic.Bool
	race  func(ctx context.Context, cmd order.AssignCommand)
}

func (r *racingOrders) Assign(ctx context.Context, cmd order.AssignCommand) (*order.Order, error) {
	if r.raced.CompareAndSwap(false, true) {
		r.race(ctx, cmd)
	}
	return r.Service.Assign(ctx, cmd)
}

func TestMatch_RetriesOnceAfterLosingRace(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Now().UTC()
	f.onlineAgent(t, "near", 1, pickup, now)
	f.onlineAgent(t, "next", 1, types.Point{Lat: pickup.Lat + 0.01, Lng: pickup.Lng}, now)
	o := f.createOrder(t)
	other := f.createOrder(t)

	// The nearest agent is taken by another order between read and assign.
	racing := &racingOrders{Service: f.orders, race: func(ctx context.Context, _ order.AssignCommand) {
		_, err := f.orders.Assign(ctx, order.AssignCommand{OrderID: other.ID, AgentID: "near", Capacity: 1, Actor: order.SystemActor})
		require.NoError(t, err)
	}}
	m := NewService(racing, f.locations, f.agents, Config{}, quietLogger())

	res, err := m.Match(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ID("next"), res.AgentID)
}

func TestDispatchPending_BacksOffOrdersWithoutAgents(t *testing.T) {
	f := newFixture(t, Config{RetryBackoff: time.Minute})
	ctx := context.Background()
	clock := time.Now().UTC()
	f.matcher.now = func() time.Time { return clock }

	o := f.createOrder(t)

	report, err := f.matcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Considered: 1, NoAgent: 1}, report)

	f.onlineAgent(t, "late", 1, pickup, time.Now().UTC())

	report, err = f.matcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Considered: 1, Skipped: 1}, report)

	clock = clock.Add(2 * time.Minute)
	report, err = f.matcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Considered: 1, Assigned: 1}, report)

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAssigned, got.Status)
}

func TestDispatchPending_AssignsOldestFirst(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.onlineAgent(t, "solo", 1, pickup, time.Now().UTC())

	first := f.createOrder(t)
	f.createOrder(t)

	report, err := f.matcher.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Considered)
	assert.Equal(t, 1, report.Assigned)
	assert.Equal(t, 1, report.NoAgent)

	got, err := f.orders.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAssigned, got.Status)
}

func TestConfigDefaults(t *testing.T) {
	c := Config{RetryBackoff: -time.Second}.withDefaults()
	assert.Equal(t, DefaultRadiusKm, c.RadiusKm)
	assert.Equal(t, DefaultFreshness, c.Freshness)
	assert.Equal(t, 1, c.DefaultCapacity)
	assert.Equal(t, DefaultBatchSize, c.BatchSize)
	assert.Zero(t, c.RetryBackoff)
}

func TestMemoryAttemptLog(t *testing.T) {
	l := NewMemoryAttemptLog()
	ctx := context.Background()
	_, ok, err := l.LastAttempt(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.RecordAttempt(ctx, "o1", at))
	got, ok, err := l.LastAttempt(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, at.Equal(got))
}

func TestAssignmentMessage(t *testing.T) {
	o := &order.Order{ID: "o1", Version: 2, Pickup: pickup, Dropoff: dropoff, DeliveryFee: types.NewMoney(200, "DZD")}
	msg := assignmentMessage("tok", o)
	assert.Equal(t, "tok", msg.Token)
	assert.Equal(t, "order_assigned", msg.Data["type"])
	assert.Equal(t, "o1", msg.Data["order_id"])
	assert.Equal(t, "2", msg.Data["version"])
	assert.Equal(t, "36.705000", msg.Data["pickup_lat"])
	assert.Equal(t, "200", msg.Data["delivery_fee"])
	assert.Equal(t, "high", msg.Android.Priority)
}
