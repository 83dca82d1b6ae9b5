// README: RabbitMQ connection helper.
package infra

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

func NewAMQP(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	return conn, nil
}
