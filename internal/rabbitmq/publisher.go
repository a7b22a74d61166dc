package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
)

// Publisher confirm errors.
var (
	ErrConfirmTimeout = errors.New("no broker confirmation within timeout")
	ErrPublishNacked  = errors.New("message was nacked by broker")
)

// ReturnError reports a mandatory message the broker could not route to any
// queue. The row stays unprocessed and is retried on the next poll cycle.
type ReturnError struct {
	ReplyCode uint16
	ReplyText string
}

func (e *ReturnError) Error() string {
	return fmt.Sprintf("message returned by broker (%d): %s", e.ReplyCode, e.ReplyText)
}

// ConfirmChannel is the subset of *amqp.Channel the publisher needs. The seam
// exists so tests can drive confirmations and returns deterministically.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(ret chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher publishes outbox rows on a confirm-mode channel, one at a time,
// blocking for the broker's confirmation before reporting an outcome. It is
// owned by a single relay goroutine and is not safe for concurrent use.
type Publisher struct {
	ch         ConfirmChannel
	exchange   string
	routingKey string
	timeout    time.Duration
	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
	seq        uint64
	log        zerolog.Logger
}

// NewPublisher puts the channel into confirm mode and registers the
// confirmation and return listeners.
func NewPublisher(ch ConfirmChannel, exchange, routingKey string, confirmTimeout time.Duration, logger zerolog.Logger) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}

	return &Publisher{
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		timeout:    confirmTimeout,
		confirms:   ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:    ch.NotifyReturn(make(chan amqp.Return, 1)),
		log:        logger,
	}, nil
}

// Publish ships one outbox row as a persistent, mandatory message and waits
// for the broker's confirmation. Outcomes: nil (confirmed and routed),
// ErrConfirmTimeout, ErrPublishNacked, or *ReturnError (unroutable).
func (p *Publisher) Publish(ctx context.Context, msg model.OutboxMessage) error {
	err := p.ch.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		true,  // mandatory: the broker must report an unroutable message
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.MessageID.String(),
			Type:         msg.Type,
			Timestamp:    msg.OccurredAt,
			Body:         []byte(msg.PayloadJSON),
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	// Delivery tags on a confirm-mode channel count published messages. When
	// an earlier wait gave up, that message's confirmation may still arrive
	// later; matching on the tag keeps it from being credited to this one.
	p.seq++
	want := p.seq

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	for {
		select {
		case conf, ok := <-p.confirms:
			if !ok {
				return errors.New("confirmation channel closed")
			}
			if conf.DeliveryTag < want {
				p.log.Warn().
					Uint64("tag", conf.DeliveryTag).
					Uint64("want", want).
					Msg("discarding stale broker confirmation")
				continue
			}
			if conf.DeliveryTag > want {
				return fmt.Errorf("confirmation stream out of sync: got tag %d, want %d", conf.DeliveryTag, want)
			}
			if !conf.Ack {
				return ErrPublishNacked
			}
		case <-timer.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
		break
	}

	// A basic.return for an unroutable message precedes the ack on the wire;
	// by the time the confirmation arrives it is already buffered.
	select {
	case ret := <-p.returns:
		if ret.MessageId == msg.MessageID.String() {
			return &ReturnError{ReplyCode: ret.ReplyCode, ReplyText: ret.ReplyText}
		}
		p.log.Warn().
			Str("message_id", ret.MessageId).
			Uint16("code", ret.ReplyCode).
			Msg("broker returned a message from another publish")
	default:
	}

	return nil
}
