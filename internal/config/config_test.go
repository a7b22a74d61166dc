package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/orders")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@localhost:5432/orders", cfg.DatabaseURL)
	assert.Equal(t, "rabbitmq", cfg.RabbitMQ.Host)
	assert.Equal(t, "5672", cfg.RabbitMQ.Port)
	assert.Equal(t, "guest", cfg.RabbitMQ.User)
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, 50, cfg.OutboxBatchSize)
	assert.Equal(t, 5*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogPretty)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/payments")
	t.Setenv("RABBITMQ_HOST", "broker")
	t.Setenv("RABBITMQ_PORT", "5673")
	t.Setenv("OUTBOX_POLL_INTERVAL", "1s")
	t.Setenv("OUTBOX_BATCH_SIZE", "10")
	t.Setenv("PUBLISH_CONFIRM_TIMEOUT", "3s")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("METRICS_ADDR", ":9102")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "broker", cfg.RabbitMQ.Host)
	assert.Equal(t, "5673", cfg.RabbitMQ.Port)
	assert.Equal(t, time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, 10, cfg.OutboxBatchSize)
	assert.Equal(t, 3*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogPretty)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing database url",
			env:  map[string]string{},
		},
		{
			name: "bad log level",
			env: map[string]string{
				"DATABASE_URL": "postgres://u:p@db/x",
				"LOG_LEVEL":    "verbose",
			},
		},
		{
			name: "non-positive batch size",
			env: map[string]string{
				"DATABASE_URL":      "postgres://u:p@db/x",
				"OUTBOX_BATCH_SIZE": "-1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestInvalidDurationFallsBackToDefault(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db/x")
	t.Setenv("OUTBOX_POLL_INTERVAL", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxPollInterval)
}
