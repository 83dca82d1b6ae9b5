package presence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/errs"
)

func newTestHub(queueSize int) *Hub {
	return NewHub(queueSize, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func nextWithin(t *testing.T, c *Conn, d time.Duration) (Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return c.Next(ctx)
}

func TestHub_PublishReachesSubscribers(t *testing.T) {
	h := newTestHub(8)
	defer h.Close()

	a, err := h.Connect("a")
	require.NoError(t, err)
	b, err := h.Connect("b")
	require.NoError(t, err)

	require.NoError(t, h.Subscribe("a", OrderTopic("o1")))
	require.NoError(t, h.Subscribe("b", GlobalTopic))

	h.Publish(OrderTopic("o1"), NewEvent(EventOrderStatusChanged, "", map[string]string{"status": "assigned"}))

	e, err := nextWithin(t, a, time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventOrderStatusChanged, e.Type)
	assert.Equal(t, "order:o1", e.Topic)

	assert.Equal(t, 0, b.Pending(), "global subscriber must not see order topic events")
}

func TestHub_UnsubscribeIsImmediateAndIdempotent(t *testing.T) {
	h := newTestHub(8)
	defer h.Close()

	c, err := h.Connect("c")
	require.NoError(t, err)
	topic := AgentTopic("ag1")
	require.NoError(t, h.Subscribe("c", topic))
	require.NoError(t, h.Subscribe("c", topic), "subscribing twice is harmless")
	assert.Equal(t, []string{"c"}, h.Subscribers(topic))

	h.Unsubscribe("c", topic)
	h.Unsubscribe("c", topic)
	h.Unsubscribe("missing", topic)

	h.Publish(topic, NewEvent(EventLocationUpdated, topic, nil))
	assert.Equal(t, 0, c.Pending())
	assert.Empty(t, h.Subscribers(topic))
}

func TestHub_DisconnectRemovesAllSubscriptions(t *testing.T) {
	h := newTestHub(8)
	defer h.Close()

	c, err := h.Connect("c")
	require.NoError(t, err)
	require.NoError(t, h.Subscribe("c", OrderTopic("o1")))
	require.NoError(t, h.Subscribe("c", AgentTopic("ag1")))
	assert.Equal(t, []string{"agent:ag1", "order:o1"}, h.Topics("c"))

	h.Disconnect("c")
	h.Disconnect("c")

	assert.Empty(t, h.Subscribers(OrderTopic("o1")))
	assert.Empty(t, h.Subscribers(AgentTopic("ag1")))
	assert.Nil(t, h.Topics("c"))
	assert.Equal(t, 0, h.Stats().Connections)

	_, err = nextWithin(t, c, time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	// The id may be reused after a disconnect.
	_, err = h.Connect("c")
	assert.NoError(t, err)
}

func TestHub_OverflowDropsOldestAndSignalsResync(t *testing.T) {
	h := newTestHub(3)
	defer h.Close()

	c, err := h.Connect("slow")
	require.NoError(t, err)
	topic := OrderTopic("o1")
	require.NoError(t, h.Subscribe("slow", topic))

	for i := 0; i < 5; i++ {
		h.Publish(topic, NewEvent(EventLocationUpdated, topic, i))
	}

	first, err := nextWithin(t, c, time.Second)
	require.NoError(t, err)
	assert.Equal(t, EventResyncRequired, first.Type)

	var got []any
	for i := 0; i < 3; i++ {
		e, err := nextWithin(t, c, time.Second)
		require.NoError(t, err)
		got = append(got, e.Payload)
	}
	assert.Equal(t, []any{2, 3, 4}, got, "the two oldest events are dropped")
	assert.Equal(t, uint64(2), h.Stats().Dropped)
}

func TestHub_PublishNeverBlocksOnSlowConsumer(t *testing.T) {
	h := newTestHub(4)
	defer h.Close()

	_, err := h.Connect("stuck")
	require.NoError(t, err)
	require.NoError(t, h.Subscribe("stuck", GlobalTopic))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10_000; i++ {
			h.Publish(GlobalTopic, NewEvent(EventOrderStatusChanged, GlobalTopic, i))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked by a consumer that never reads")
	}
}

func TestHub_SubscribeValidation(t *testing.T) {
	h := newTestHub(4)
	defer h.Close()

	err := h.Subscribe("ghost", GlobalTopic)
	assert.ErrorIs(t, err, ErrUnknownConnection)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = h.Connect("c")
	require.NoError(t, err)
	_, err = h.Connect("c")
	assert.ErrorIs(t, err, ErrConnectionExists)

	for _, bad := range []string{"", "order:", "agent:", "dispatch:local", "orders:1"} {
		assert.ErrorIs(t, h.Subscribe("c", bad), errs.ErrValidation, bad)
	}
}

func TestParseTopic(t *testing.T) {
	kind, id, err := ParseTopic("order:abc")
	require.NoError(t, err)
	assert.Equal(t, TopicOrder, kind)
	assert.Equal(t, "abc", string(id))

	kind, id, err = ParseTopic("agent:ag-7")
	require.NoError(t, err)
	assert.Equal(t, TopicAgent, kind)
	assert.Equal(t, "ag-7", string(id))

	kind, _, err = ParseTopic(GlobalTopic)
	require.NoError(t, err)
	assert.Equal(t, TopicGlobal, kind)
}

func TestHub_NextHonoursContext(t *testing.T) {
	h := newTestHub(4)
	defer h.Close()

	c, err := h.Connect("idle")
	require.NoError(t, err)

	_, err = nextWithin(t, c, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func (s *recordingSink) Forward(_ context.Context, e Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func TestHub_SinksReceiveFilteredEvents(t *testing.T) {
	h := newTestHub(4)
	sink := &recordingSink{got: make(chan struct{}, 16)}
	h.AddSink("recorder", sink, OnlyStatusChanges)

	h.Publish(AgentTopic("ag1"), NewEvent(EventLocationUpdated, "", nil))
	h.Publish(GlobalTopic, NewEvent(EventOrderStatusChanged, "", nil))
	h.Publish(OrderTopic("o1"), NewEvent(EventOrderStatusChanged, "", nil))
	h.PublishLocal(OrderTopic("o2"), NewEvent(EventOrderStatusChanged, "", nil))

	select {
	case <-sink.got:
	case <-time.After(time.Second):
		t.Fatal("sink did not receive the status change")
	}
	h.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "order:o1", sink.events[0].Topic)
}

func TestHub_CloseDisconnectsEveryone(t *testing.T) {
	h := newTestHub(4)
	c, err := h.Connect("c")
	require.NoError(t, err)

	h.Close()
	h.Close()

	_, err = nextWithin(t, c, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.Connect("d")
	assert.ErrorIs(t, err, ErrClosed)
	h.Publish(GlobalTopic, NewEvent(EventOrderStatusChanged, "", nil))
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	h := newTestHub(16)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("conn-%d", i)
		c, err := h.Connect(id)
		require.NoError(t, err)
		require.NoError(t, h.Subscribe(id, GlobalTopic))

		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			for {
				if _, err := c.Next(ctx); err != nil {
					return
				}
			}
		}(c)
	}

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h.Publish(GlobalTopic, NewEvent(EventOrderStatusChanged, "", i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(2000), h.Stats().Published)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "order.status.changed", RoutingKey(EventOrderStatusChanged))
	assert.Equal(t, "location.updated", RoutingKey(EventLocationUpdated))
}
