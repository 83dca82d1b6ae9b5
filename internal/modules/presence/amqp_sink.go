// README: Forwards order status events to a RabbitMQ topic exchange for downstream services.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes events as JSON to a durable topic exchange. The routing
// key is the event type with dashes turned into dots, e.g.
// "order.status.changed".
type AMQPSink struct {
	mu       sync.Mutex
	ch       *amqp091.Channel
	exchange string
}

func NewAMQPSink(conn *amqp091.Connection, exchange string) (*AMQPSink, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPSink{ch: ch, exchange: exchange}, nil
}

func (s *AMQPSink) Forward(ctx context.Context, e Event) error {
	msg, err := publishing(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.PublishWithContext(ctx, s.exchange, RoutingKey(e.Type), false, false, msg)
}

func publishing(e Event) (amqp091.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Type:         string(e.Type),
		Timestamp:    e.At,
		Body:         body,
	}, nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Close()
}

func RoutingKey(t EventType) string {
	return strings.ReplaceAll(string(t), "-", ".")
}

// OnlyStatusChanges is a sink filter passing order-status-changed events once,
// from their order topic.
func OnlyStatusChanges(e Event) bool {
	if e.Type != EventOrderStatusChanged {
		return false
	}
	kind, _, err := ParseTopic(e.Topic)
	return err == nil && kind == TopicOrder
}
