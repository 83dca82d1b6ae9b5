// README: WebSocket frame shapes exchanged with clients.
package ws

import "time"

// Client frame types.
const (
	frameAuth        = "auth"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameLocation    = "location"
	frameAccept      = "accept"
	frameStart       = "start"
	frameDeliver     = "deliver"
	framePing        = "ping"
)

// Server reply types. Presence events are sent as they are.
const (
	replyAck   = "ack"
	replyError = "error"
)

// clientFrame is the union of every client frame; Type selects which fields
// are read.
type clientFrame struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Token string `json:"token,omitempty"`
	Topic string `json:"topic,omitempty"`

	OrderID string `json:"order_id,omitempty"`
	Version int64  `json:"version,omitempty"`

	Lat            float64   `json:"lat,omitempty"`
	Lng            float64   `json:"lng,omitempty"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	CapturedAt     time.Time `json:"captured_at,omitempty"`
}

type reply struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Of    string `json:"of,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}
