// README: Relays hub events between API instances over Redis pub/sub.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const bridgeChannel = "presence:events"

type bridgeEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBridge is a Sink that publishes local events to Redis and, from Run,
// replays events published by other instances into the local hub.
type RedisBridge struct {
	rdb    *redis.Client
	hub    *Hub
	origin string
	logger *slog.Logger
}

func NewRedisBridge(rdb *redis.Client, hub *Hub, origin string, logger *slog.Logger) *RedisBridge {
	return &RedisBridge{
		rdb:    rdb,
		hub:    hub,
		origin: origin,
		logger: logger.With("component", "presence_redis_bridge"),
	}
}

func (b *RedisBridge) Forward(ctx context.Context, e Event) error {
	data, err := json.Marshal(bridgeEnvelope{Origin: b.origin, Event: e})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.rdb.Publish(ctx, bridgeChannel, data).Err()
}

// Run blocks until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, bridgeChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", bridgeChannel, err)
	}
	b.logger.Info("presence bridge subscribed", "channel", bridgeChannel, "origin", b.origin)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, ok, err := b.decode(msg.Payload)
			if err != nil {
				b.logger.Warn("discarding malformed bridge message", "error", err)
				continue
			}
			if ok {
				b.hub.PublishLocal(e.Topic, e)
			}
		}
	}
}

// decode reports ok=false for this instance's own events.
func (b *RedisBridge) decode(payload string) (Event, bool, error) {
	var env bridgeEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Event{}, false, err
	}
	if env.Event.Topic == "" {
		return Event{}, false, fmt.Errorf("%w: bridge message without topic", ErrInvalidTopic)
	}
	return env.Event, env.Origin != b.origin, nil
}
