// README: Per-connection bounded outbound queue.
package presence

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Conn is the receive side of one connection. Next is meant to be called from
// a single writer goroutine.
type Conn struct {
	id string

	// guarded by Hub.mu
	topics map[string]struct{}

	mu      sync.Mutex
	queue   []Event
	limit   int
	resync  bool
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	dropped *atomic.Uint64
}

func newConn(id string, limit int, dropped *atomic.Uint64) *Conn {
	return &Conn{
		id:      id,
		topics:  make(map[string]struct{}),
		queue:   make([]Event, 0, limit),
		limit:   limit,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		dropped: dropped,
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Done is closed when the connection is disconnected from the hub.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Next blocks until an event is available, the connection is closed or ctx is
// done. After an overflow the first event returned is resync-required.
func (c *Conn) Next(ctx context.Context) (Event, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Event{}, ErrClosed
		}
		if c.resync {
			c.resync = false
			c.mu.Unlock()
			return NewEvent(EventResyncRequired, "", map[string]string{"connection_id": c.id}), nil
		}
		if len(c.queue) > 0 {
			e := c.queue[0]
			copy(c.queue, c.queue[1:])
			c.queue = c.queue[:len(c.queue)-1]
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Pending reports queued, undelivered events.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) push(e Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) >= c.limit {
		copy(c.queue, c.queue[1:])
		c.queue = c.queue[:len(c.queue)-1]
		c.resync = true
		c.dropped.Add(1)
	}
	c.queue = append(c.queue, e)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	close(c.done)
}

func topicList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
