// Package rabbitmq wraps the amqp091 client: one long-lived connection per
// service, per-worker channels, idempotent topology declaration, and a
// confirm-mode publisher for the outbox relay.
package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Config holds broker connection settings.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
}

// URL builds the AMQP connection string. Credentials are URL-encoded.
func (c Config) URL() string {
	u := &url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/",
	}
	return u.String()
}

// Connection is the single long-lived broker connection a service holds for
// its lifetime. Each publisher or consumer opens its own channel from it.
type Connection struct {
	conn *amqp.Connection
}

// Connect dials the broker, retrying with exponential backoff while it is
// still starting up (common when both come up together under compose).
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Connection, error) {
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(cfg.URL())
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(time.Minute),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("failed to connect to rabbitmq, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	return &Connection{conn: conn}, nil
}

// Channel opens a dedicated channel on the connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	return ch, nil
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

// DeclareTopology declares a durable topic exchange, a durable queue, and the
// binding between them. Declarations are idempotent, so startup works against
// a fresh or already-provisioned broker.
func DeclareTopology(ch *amqp.Channel, exchange, queue, routingKey string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	return nil
}

// Consume sets prefetch to one unacknowledged delivery and starts a manual-ack
// consumer on the queue. Prefetch 1 serializes processing per channel, which
// keeps per-order races tractable; multiple replicas still rely on the
// database-enforced guards.
func Consume(ch *amqp.Channel, queue string) (<-chan amqp.Delivery, error) {
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set channel qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack: we ack only after the local transaction commits
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer on %s: %w", queue, err)
	}

	return deliveries, nil
}
