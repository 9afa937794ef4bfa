// Package logger configures zerolog for the service.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger settings.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string

	// Environment selects the output format: "development" uses a console
	// writer, everything else emits JSON.
	Environment string

	ServiceName string
	Version     string
}

// Logger wraps zerolog.Logger so call sites depend on one type.
type Logger struct {
	zerolog.Logger
}

// New builds a Logger with service metadata attached to every event.
func New(cfg Config) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var out = zerolog.New(os.Stderr)
	if cfg.Environment == "development" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	logger := out.
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Logger()

	return &Logger{Logger: logger}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
