// Package config provides service configuration loaded from environment
// variables with defaults and validation. Both the orders and payments
// binaries share the same shape; they differ only in the values supplied.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// RabbitMQ holds broker connection settings.
type RabbitMQ struct {
	Host     string // RABBITMQ_HOST
	Port     string // RABBITMQ_PORT
	User     string // RABBITMQ_USER
	Password string // RABBITMQ_PASSWORD
}

// Config holds all configuration values for a service instance.
type Config struct {
	// Storage
	DatabaseURL string // DATABASE_URL (required)

	// Broker
	RabbitMQ RabbitMQ

	// Outbox relay
	OutboxPollInterval time.Duration // OUTBOX_POLL_INTERVAL, e.g. 500ms
	OutboxBatchSize    int           // OUTBOX_BATCH_SIZE, max rows per poll
	ConfirmTimeout     time.Duration // PUBLISH_CONFIRM_TIMEOUT, broker ack wait

	// Observability
	MetricsAddr string // METRICS_ADDR, empty disables the /metrics listener
	LogLevel    string // LOG_LEVEL: debug|info|warn|error
	LogPretty   bool   // LOG_PRETTY: console output in dev
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults, and
// validates the result.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL: getenv("DATABASE_URL", ""),

		RabbitMQ: RabbitMQ{
			Host:     getenv("RABBITMQ_HOST", "rabbitmq"),
			Port:     getenv("RABBITMQ_PORT", "5672"),
			User:     getenv("RABBITMQ_USER", "guest"),
			Password: getenv("RABBITMQ_PASSWORD", "guest"),
		},

		OutboxPollInterval: getdur("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		OutboxBatchSize:    getint("OUTBOX_BATCH_SIZE", 50),
		ConfirmTimeout:     getdur("PUBLISH_CONFIRM_TIMEOUT", 5*time.Second),

		MetricsAddr: getenv("METRICS_ADDR", ""),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error

	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL must be positive"))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("PUBLISH_CONFIRM_TIMEOUT must be positive"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, errors.New("LOG_LEVEL must be one of debug|info|warn|error"))
	}

	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func getint(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}
