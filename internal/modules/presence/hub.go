// README: In-memory pub/sub hub; bounded per-connection queues, drop-oldest with resync signal.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	sinkBufferSize = 256
	sinkTimeout    = 5 * time.Second
)

// Sink receives a copy of every event published through Publish, off the
// publisher's goroutine. Sinks are used to relay events to other processes.
type Sink interface {
	Forward(ctx context.Context, e Event) error
}

// Hub fans events out to connections subscribed to a topic. Publish never
// blocks: each connection has a bounded queue and a full queue drops its oldest
// event and flags the connection for resync.
type Hub struct {
	queueSize int
	logger    *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	topics map[string]map[string]*Conn
	sinks  []*sinkRunner
	closed bool

	published   atomic.Uint64
	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	sinkDropped atomic.Uint64
}

func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger.With("component", "presence_hub"),
		conns:     make(map[string]*Conn),
		topics:    make(map[string]map[string]*Conn),
	}
}

// Connect registers a connection and returns its receive side.
func (h *Hub) Connect(connID string) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if _, ok := h.conns[connID]; ok {
		return nil, ErrConnectionExists
	}
	c := newConn(connID, h.queueSize, &h.dropped)
	h.conns[connID] = c
	return c, nil
}

func (h *Hub) Subscribe(connID, topic string) error {
	if _, _, err := ParseTopic(topic); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Conn)
		h.topics[topic] = subs
	}
	subs[connID] = c
	c.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe is idempotent.
func (h *Hub) Unsubscribe(connID, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connID, topic)
}

// Disconnect removes every subscription of connID and closes its queue. It is
// idempotent.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for topic := range c.topics {
		h.removeLocked(connID, topic)
	}
	delete(h.conns, connID)
	h.mu.Unlock()

	c.close()
}

// Publish delivers e to local subscribers of topic and hands it to every sink.
func (h *Hub) Publish(topic string, e Event) {
	e = h.normalize(topic, e)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.fanOutLocked(topic, e)
	for _, s := range h.sinks {
		if !s.offer(e) {
			h.sinkDropped.Add(1)
			h.logger.Warn("sink buffer full, event dropped", "sink", s.name, "topic", topic, "type", e.Type)
		}
	}
}

// PublishLocal delivers e to local subscribers only. Relays use it for events
// that arrived from another process.
func (h *Hub) PublishLocal(topic string, e Event) {
	e = h.normalize(topic, e)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.fanOutLocked(topic, e)
}

// AddSink starts a forwarding goroutine for s. filter may be nil.
func (h *Hub) AddSink(name string, s Sink, filter func(Event) bool) {
	r := &sinkRunner{
		name:   name,
		sink:   s,
		filter: filter,
		ch:     make(chan Event, sinkBufferSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.sinks = append(h.sinks, r)
	go r.run(h.logger)
}

// Close disconnects every connection and drains the sinks.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := h.conns
	sinks := h.sinks
	h.conns = make(map[string]*Conn)
	h.topics = make(map[string]map[string]*Conn)
	h.sinks = nil
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	for _, s := range sinks {
		close(s.ch)
		<-s.done
	}
}

// Subscribers lists the connection ids currently subscribed to topic.
func (h *Hub) Subscribers(topic string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.topics[topic]))
	for id := range h.topics[topic] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Topics lists the topics connID is subscribed to.
func (h *Hub) Topics(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	if !ok {
		return nil
	}
	return topicList(c.topics)
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.conns)
	h.mu.RUnlock()
	return Stats{
		Connections: n,
		Published:   h.published.Load(),
		Enqueued:    h.enqueued.Load(),
		Dropped:     h.dropped.Load(),
		SinkDropped: h.sinkDropped.Load(),
	}
}

func (h *Hub) normalize(topic string, e Event) Event {
	if e.Topic == "" {
		e.Topic = topic
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return e
}

func (h *Hub) fanOutLocked(topic string, e Event) {
	h.published.Add(1)
	for _, c := range h.topics[topic] {
		if c.push(e) {
			h.enqueued.Add(1)
		}
	}
}

func (h *Hub) removeLocked(connID, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if c, ok := h.conns[connID]; ok {
		delete(c.topics, topic)
	}
}

type sinkRunner struct {
	name   string
	sink   Sink
	filter func(Event) bool
	ch     chan Event
	done   chan struct{}
}

func (r *sinkRunner) offer(e Event) bool {
	if r.filter != nil && !r.filter(e) {
		return true
	}
	select {
	case r.ch <- e:
		return true
	default:
		return false
	}
}

func (r *sinkRunner) run(logger *slog.Logger) {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := r.sink.Forward(ctx, e); err != nil {
			logger.Warn("sink forward failed", "sink", r.name, "topic", e.Topic, "type", e.Type, "error", err)
		}
		cancel()
	}
}
