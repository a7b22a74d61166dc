// Package metrics exposes Prometheus instrumentation for the outbox relay and
// the saga consumers. Label cardinality is kept bounded: failure reasons are
// coarse categories, queues are the two declared queue names.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// OutboxPublished counts outbox rows confirmed by the broker.
	OutboxPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_messages_published_total",
		Help: "Total number of outbox messages confirmed by the broker.",
	})

	// OutboxPublishFailures counts publish attempts that left the row
	// pending, by coarse reason (timeout, returned, nacked, error).
	OutboxPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Total number of failed outbox publish attempts.",
	}, []string{"reason"})

	// ConsumerProcessed counts deliveries whose transaction committed.
	ConsumerProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_processed_total",
		Help: "Total number of successfully processed deliveries.",
	}, []string{"queue"})

	// ConsumerDuplicates counts deliveries suppressed by the inbox guard.
	ConsumerDuplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_duplicates_total",
		Help: "Total number of deliveries deduplicated by the inbox.",
	}, []string{"queue"})

	// ConsumerDropped counts malformed deliveries acknowledged without effect.
	ConsumerDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_dropped_total",
		Help: "Total number of malformed deliveries dropped.",
	}, []string{"queue"})

	// ConsumerFailures counts deliveries nacked back to the broker.
	ConsumerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_failures_total",
		Help: "Total number of deliveries that failed and were requeued.",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(
		OutboxPublished,
		OutboxPublishFailures,
		ConsumerProcessed,
		ConsumerDuplicates,
		ConsumerDropped,
		ConsumerFailures,
	)
}

// Serve runs a /metrics listener on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info().Str("addr", addr).Msg("metrics listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
