// Package logging configures zerolog for the bundler and its components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/pms-bundler/pkg/reservation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Component names attached to every log line as "component".
const (
	ComponentSession = "session"
	ComponentClient  = "pms-client"
	ComponentBatch   = "batch"
	ComponentAPI     = "api"
	ComponentServer  = "server"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output is the destination writer (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger. Component loggers created with
// NewLogger before Setup keep the previous output.
func Setup(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to a zerolog.Level. An empty name means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForReservation returns a child logger carrying the reservation fields.
func ForReservation(logger zerolog.Logger, ref reservation.Ref) zerolog.Logger {
	return logger.With().
		Str("hotel_code", ref.HotelCode).
		Str("reservation_id", ref.ReservationID).
		Logger()
}

// Levels used across the bundler:
//
// Debug: login round trips, single document fetches, HTTP requests other
// than the bundle endpoint.
//
// Info: bundle requests and deliveries, successful logins, server lifecycle.
//
// Warn: failed fetch attempts, login redirects, rejected requests, session
// store errors that fall back to a fresh login.
//
// Error: reservations that failed after every attempt, requests where no
// document could be retrieved, archive failures.
//
// Common fields: hotel_code, reservation_id, attempt, attempts, error_class,
// status_code, duration, succeeded, failed.
