package messaging

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// OrderQueue is the durable work queue carrying OrderProcessed events.
const OrderQueue = "order_processing"

// Connection is a long-lived broker connection with a single channel.
type Connection struct {
	conn    *amqp.Connection
	Channel *amqp.Channel
}

// Dial connects to the broker and opens a channel. With confirm set the
// channel is put in publisher confirm mode.
func Dial(url string, confirm bool) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
	}

	return &Connection{conn: conn, Channel: ch}, nil
}

// DeclareQueue declares name as a durable, non-exclusive queue that is
// never auto-deleted.
func DeclareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (c *Connection) Close() error {
	if c.Channel != nil {
		_ = c.Channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
