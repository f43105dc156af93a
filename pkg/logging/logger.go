// Package logging provides structured logging configuration using zerolog
// for the Graph client and proxy.
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

// ConfigFromEnv builds a Config from LOG_LEVEL and LOG_PRETTY as read by getenv.
// Unset variables keep their defaults.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := DefaultConfig()

	if level := getenv("LOG_LEVEL"); level != "" {
		cfg.Level = LogLevel(strings.ToLower(level))
	}

	switch strings.ToLower(getenv("LOG_PRETTY")) {
	case "1", "true", "yes":
		cfg.Pretty = true
	}

	return cfg
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Per-dispatch details (chunk size, sub-request status classes)
//   - Cache operations (hit, stale, conditional request, ETag)
//   - Shared throttle window lookups
//   - Collection pages fetched
//
// Info: Normal operation events
//   - Batch completion (requests, chunks, duration)
//   - Chunks that settled after throttling
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Throttled sub-requests and the computed wait
//   - Throttle windows recorded in Redis
//   - Cache and Redis errors (request proceeds without them)
//   - Page and throttle retry limits reached
//
// Error: Error conditions requiring attention
//   - Transport failures and malformed batch payloads
//   - Aborted batches
//   - Configuration errors
//
// Context Fields:
//   - component: graph-client, graph-batch, graph-transport, graph-proxy
//   - version: Graph API version ("v1.0", "beta")
//   - url: resource or batch endpoint URL
//   - status: HTTP status code
//   - chunk / chunks: chunk position within a batch call
//   - throttled / settled: sub-request counts per dispatch
//   - wait: throttle wait before resubmitting
//   - duration: request or batch duration
