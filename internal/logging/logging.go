// Package logging builds the zerolog root logger for a service binary.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a root logger for the named service. Level falls back to info
// when unknown; pretty enables human-readable console output for development.
func New(service, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := os.Stderr
	logger := zerolog.New(out)
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	return logger.Level(lvl).With().
		Timestamp().
		Str("service", service).
		Logger()
}
