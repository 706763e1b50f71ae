// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

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

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, TTL)
//   - Batch commits (staged count, batch size)
//   - Internal state changes
//
// Info: Normal operation events
//   - Ingestion run start/end (persisted, failed, cursor)
//   - Pending fetch retry sweeps
//   - Upstream outages stopping a run
//   - Daemon startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Expected upstream throttling (429, ThrottleSeconds waits)
//   - Failed carnage report fetches queued for retry
//   - Cache errors (fallback to direct request)
//
// Error: Error conditions requiring attention
//   - Requests that failed on every attempt
//   - Terminal upstream errors
//   - Wrong content type / payload errors
//   - Storage failures
//
// Context Fields:
//   - component: subsystem name (bungie-client, ingest, ratelimit)
//   - route: full request route with query
//   - status: HTTP status code
//   - error_status: upstream error code string
//   - attempt: retry attempt number
//   - destiny_id: player being ingested
//   - instance_id: match being fetched
//   - persisted / failed: per-run counters
