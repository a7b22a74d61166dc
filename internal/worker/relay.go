// Package worker runs the outbox relay loop used identically by both
// services: poll the outbox store on a fixed interval, publish each pending
// row with delivery confirmation, and record the outcome.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amirkasheesh/hw-hse-gozon/internal/metrics"
	"github.com/amirkasheesh/hw-hse-gozon/internal/model"
	"github.com/amirkasheesh/hw-hse-gozon/internal/rabbitmq"
)

// Source is the outbox store surface the relay drives.
type Source interface {
	FetchPending(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// Publisher ships one outbox row to the broker and blocks until the broker
// confirms it or the attempt fails.
type Publisher interface {
	Publish(ctx context.Context, msg model.OutboxMessage) error
}

// Relay is the transactional outbox publisher. The batch read and the
// processed-flag writes are deliberately not one transaction: a crash after
// the broker confirmed but before the flag persisted re-sends the row on
// restart, and the consumer-side inbox absorbs the duplicate.
type Relay struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
	now       func() time.Time
}

func NewRelay(source Source, publisher Publisher, interval time.Duration, batchSize int, logger zerolog.Logger) *Relay {
	return &Relay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		log:       logger.With().Str("component", "outbox_relay").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled, finishing the current batch first.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.relayBatch(ctx)
		}
	}
}

func (r *Relay) relayBatch(ctx context.Context) {
	batch, err := r.source.FetchPending(ctx, r.batchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to fetch pending outbox messages")
		return
	}

	if len(batch) == 0 {
		return
	}

	r.log.Debug().Int("count", len(batch)).Msg("relaying outbox batch")

	for _, msg := range batch {
		if ctx.Err() != nil {
			return
		}
		r.relayOne(ctx, msg)
	}
}

func (r *Relay) relayOne(ctx context.Context, msg model.OutboxMessage) {
	if err := r.publisher.Publish(ctx, msg); err != nil {
		metrics.OutboxPublishFailures.WithLabelValues(failureReason(err)).Inc()
		r.log.Warn().
			Err(err).
			Str("message_id", msg.MessageID.String()).
			Str("type", msg.Type).
			Msg("failed to publish outbox message, will retry next cycle")

		if markErr := r.source.MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
			r.log.Error().Err(markErr).Str("message_id", msg.MessageID.String()).Msg("failed to record publish error")
		}
		return
	}

	metrics.OutboxPublished.Inc()

	if err := r.source.MarkProcessed(ctx, msg.ID, r.now()); err != nil {
		// The broker already has the message; the row stays pending and is
		// re-sent next cycle. Downstream inbox dedup makes that harmless.
		r.log.Error().Err(err).Str("message_id", msg.MessageID.String()).Msg("failed to mark outbox message processed")
	}
}

func failureReason(err error) string {
	var retErr *rabbitmq.ReturnError
	switch {
	case errors.Is(err, rabbitmq.ErrConfirmTimeout):
		return "timeout"
	case errors.Is(err, rabbitmq.ErrPublishNacked):
		return "nacked"
	case errors.As(err, &retErr):
		return "returned"
	default:
		return "error"
	}
}
