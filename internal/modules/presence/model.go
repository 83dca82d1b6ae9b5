// README: Presence events, topics and subscriber-facing types.
package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatch/internal/errs"
	"dispatch/internal/types"
)

type EventType string

const (
	EventLocationUpdated    EventType = "location-updated"
	EventOrderStatusChanged EventType = "order-status-changed"
	EventResyncRequired     EventType = "resync-required"
)

const (
	agentTopicPrefix = "agent:"
	orderTopicPrefix = "order:"

	// GlobalTopic carries every order status change for dispatch boards.
	GlobalTopic = "dispatch:global"
)

// DefaultQueueSize is the per-connection outbound buffer when none is configured.
const DefaultQueueSize = 64

var (
	ErrUnknownConnection = fmt.Errorf("%w: unknown connection", errs.ErrNotFound)
	ErrConnectionExists  = fmt.Errorf("%w: connection already registered", errs.ErrStateConflict)
	ErrInvalidTopic      = fmt.Errorf("%w: invalid topic", errs.ErrValidation)
	ErrClosed            = errors.New("presence: connection closed")
)

// Event is what subscribers receive. Payload is JSON-encodable.
type Event struct {
	Type    EventType `json:"type"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

func NewEvent(t EventType, topic string, payload any) Event {
	return Event{Type: t, Topic: topic, Payload: payload, At: time.Now().UTC()}
}

type TopicKind string

const (
	TopicAgent  TopicKind = "agent"
	TopicOrder  TopicKind = "order"
	TopicGlobal TopicKind = "global"
)

func AgentTopic(id types.ID) string {
	return agentTopicPrefix + string(id)
}

func OrderTopic(id types.ID) string {
	return orderTopicPrefix + string(id)
}

// ParseTopic validates a topic name and splits it into kind and id.
func ParseTopic(topic string) (TopicKind, types.ID, error) {
	switch {
	case topic == GlobalTopic:
		return TopicGlobal, "", nil
	case strings.HasPrefix(topic, agentTopicPrefix) && len(topic) > len(agentTopicPrefix):
		return TopicAgent, types.ID(strings.TrimPrefix(topic, agentTopicPrefix)), nil
	case strings.HasPrefix(topic, orderTopicPrefix) && len(topic) > len(orderTopicPrefix):
		return TopicOrder, types.ID(strings.TrimPrefix(topic, orderTopicPrefix)), nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
}

// Stats are cumulative hub counters.
type Stats struct {
	Connections int
	Published   uint64
	Enqueued    uint64
	Dropped     uint64
	SinkDropped uint64
}
