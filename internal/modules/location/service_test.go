package location

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/errs"
	"dispatch/internal/modules/presence"
	"dispatch/internal/types"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, _ presence.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

type staticAssignments map[types.ID][]types.ID

func (a staticAssignments) ActiveOrderIDs(_ context.Context, agentID types.ID) ([]types.ID, error) {
	return a[agentID], nil
}

type memorySnapshots struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (m *memorySnapshots) AppendSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return nil
}

func newTestService(pub Publisher) *Service {
	s := NewService(NewMemoryStore(), pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return baseTime.Add(10 * time.Minute) }
	return s
}

func report(agent string, lat, lng float64, at time.Time) Report {
	return Report{AgentID: types.ID(agent), Lat: lat, Lng: lng, AccuracyMeters: 5, CapturedAt: at}
}

func TestUpsert_OnlyNewerSamplesApply(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	s := newTestService(pub)

	res, err := s.Upsert(ctx, report("a1", 36.70, 3.00, baseTime.Add(10*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = s.Upsert(ctx, report("a1", 36.80, 3.20, baseTime.Add(5*time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Applied, "older sample must not overwrite")
	assert.Equal(t, 36.70, res.Location.Position.Lat)

	res, err = s.Upsert(ctx, report("a1", 36.80, 3.20, baseTime.Add(10*time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Applied, "equal capturedAt is not strictly newer")

	res, err = s.Upsert(ctx, report("a1", 36.71, 3.01, baseTime.Add(11*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	loc, ok, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Point{Lat: 36.71, Lng: 3.01}, loc.Position)

	assert.Equal(t, []string{"agent:a1", "agent:a1"}, pub.published(), "only applied samples are broadcast")
}

func TestUpsert_AnyArrivalOrderKeepsMaxCapturedAt(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		s := newTestService(nil)
		reports := make([]Report, 50)
		for i := range reports {
			reports[i] = report("a1", 36+float64(i)/100, 3, baseTime.Add(time.Duration(i)*time.Second))
		}
		rng.Shuffle(len(reports), func(i, j int) { reports[i], reports[j] = reports[j], reports[i] })

		var wg sync.WaitGroup
		for _, r := range reports {
			wg.Add(1)
			go func(r Report) {
				defer wg.Done()
				_, err := s.Upsert(ctx, r)
				assert.NoError(t, err)
			}(r)
		}
		wg.Wait()

		loc, ok, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, baseTime.Add(49*time.Second), loc.CapturedAt)
		assert.InDelta(t, 36.49, loc.Position.Lat, 1e-9)
	}
}

func TestUpsert_Validation(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		r    Report
	}{
		{"missing agent", report("", 1, 1, baseTime)},
		{"latitude out of range", report("a", 91, 1, baseTime)},
		{"longitude out of range", report("a", 1, -181, baseTime)},
		{"missing capturedAt", report("a", 1, 1, time.Time{})},
		{"capturedAt far in the future", report("a", 1, 1, baseTime.Add(time.Hour))},
		{"negative accuracy", Report{AgentID: "a", Lat: 1, Lng: 1, AccuracyMeters: -1, CapturedAt: baseTime}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(ctx, tt.r)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}

	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsert_FansOutToAssignedOrders(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestService(pub)
	s.SetAssignmentLookup(staticAssignments{"a1": {"o1", "o2"}})
	snaps := &memorySnapshots{}
	s.SetSnapshotWriter(snaps)

	_, err := s.Upsert(context.Background(), report("a1", 36.7, 3.0, baseTime))
	require.NoError(t, err)

	assert.Equal(t, []string{"agent:a1", "order:o1", "order:o2"}, pub.published())
	require.Len(t, snaps.snaps, 1)
	assert.Equal(t, types.ID("a1"), snaps.snaps[0].AgentID)
}

func TestUpsert_MicrosecondPrecision(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()
	at := baseTime.Add(123456789 * time.Nanosecond)

	res, err := s.Upsert(ctx, report("a1", 1, 1, at))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(123456*time.Microsecond), res.Location.CapturedAt)

	res, err = s.Upsert(ctx, report("a1", 1, 1, at.Add(800*time.Microsecond)))
	require.NoError(t, err)
	assert.True(t, res.Applied, "800µs newer is newer")

	res, err = s.Upsert(ctx, report("a1", 2, 2, at.Add(800*time.Microsecond+300*time.Nanosecond)))
	require.NoError(t, err)
	assert.False(t, res.Applied, "same microsecond is not newer")
}

func TestListActive_ExcludesStaleSamples(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()
	now := s.now()

	_, err := s.Upsert(ctx, report("fresh", 1, 1, now.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, report("stale", 1, 1, now.Add(-6*time.Minute)))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, report("edge", 1, 1, now.Add(-5*time.Minute)))
	require.NoError(t, err)

	active, err := s.ListActive(ctx, 5*time.Minute)
	require.NoError(t, err)
	var ids []types.ID
	for _, l := range active {
		ids = append(ids, l.AgentID)
	}
	assert.Equal(t, []types.ID{"edge", "fresh"}, ids)

	_, ok, err := s.Get(ctx, "stale")
	require.NoError(t, err)
	assert.True(t, ok, "stale samples are excluded, not deleted")
}

func TestNearby_OrdersByDistanceThenFreshness(t *testing.T) {
	s := newTestService(nil)
	ctx := context.Background()
	now := s.now()

	_, err := s.Upsert(ctx, report("A", 36.70, 3.00, now.Add(-50*time.Second)))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, report("B", 36.75, 3.10, now.Add(-48*time.Second)))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, report("C", 36.70, 3.00, now.Add(-40*time.Second)))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, report("far", 40.0, 3.00, now.Add(-40*time.Second)))
	require.NoError(t, err)

	pickup := types.Point{Lat: 36.705, Lng: 3.005}
	got, err := s.Nearby(ctx, pickup, 10, 5*time.Minute)
	require.NoError(t, err)

	var ids []types.ID
	for _, n := range got {
		ids = append(ids, n.AgentID)
	}
	assert.Equal(t, []types.ID{"C", "A"}, ids[:2], "equal distance prefers the newer sample")
	assert.NotContains(t, ids, types.ID("far"))
	assert.InDelta(t, 0.7, got[0].DistanceKm, 0.1)
}

func TestMemoryStore_AntimeridianAndPoles(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	since := baseTime.Add(-time.Hour)

	for id, p := range map[string]types.Point{
		"east":  {Lat: 0, Lng: 179.99},
		"west":  {Lat: 0, Lng: -179.99},
		"polar": {Lat: 89.99, Lng: 45},
	} {
		_, err := st.Upsert(ctx, AgentLocation{AgentID: types.ID(id), Position: p, CapturedAt: baseTime})
		require.NoError(t, err)
	}

	got, err := st.Within(ctx, types.Point{Lat: 0, Lng: 180}, 5, since)
	require.NoError(t, err)
	assert.Len(t, got, 2, "search across the antimeridian finds both sides")

	got, err = st.Within(ctx, types.Point{Lat: 90, Lng: 0}, 5, since)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.ID("polar"), got[0].AgentID)
}

func TestMemoryStore_IndexFollowsMoves(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	since := baseTime.Add(-time.Hour)

	for i := 0; i < 200; i++ {
		_, err := st.Upsert(ctx, AgentLocation{
			AgentID:    types.ID(fmt.Sprintf("a%03d", i)),
			Position:   types.Point{Lat: 10 + float64(i)/1000, Lng: 10},
			CapturedAt: baseTime,
		})
		require.NoError(t, err)
	}
	_, err := st.Upsert(ctx, AgentLocation{
		AgentID:    "a000",
		Position:   types.Point{Lat: 50, Lng: 50},
		CapturedAt: baseTime.Add(time.Second),
	})
	require.NoError(t, err)

	got, err := st.Within(ctx, types.Point{Lat: 10, Lng: 10}, 0.2, since)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, l := range got {
		assert.NotEqual(t, types.ID("a000"), l.AgentID, "moved agent must leave its old cell")
	}

	got, err = st.Within(ctx, types.Point{Lat: 50, Lng: 50}, 1, since)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.ID("a000"), got[0].AgentID)
}
