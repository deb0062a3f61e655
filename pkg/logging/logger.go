// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/reqflow/pkg/request"
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
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to zerolog.Level. Unknown names map to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
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

// ForRequest returns logger enriched with the request context fields.
func ForRequest(logger zerolog.Logger, requestID string, d request.Descriptor) zerolog.Logger {
	ctx := logger.With().
		Str("request_id", requestID).
		Str("method", d.EffectiveMethod()).
		Str("url", d.URL).
		Int("priority", d.EffectivePriority())
	if d.GroupKey != "" {
		ctx = ctx.Str("group", d.GroupKey)
	}
	if d.Cache != request.CacheDefault {
		ctx = ctx.Str("cache_mode", d.Cache.String())
	}
	return ctx.Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, TTL)
//   - Preload claims and sweeps
//   - Batch group joins and flushes
//   - Internal state changes
//
// Info: Normal operation events
//   - Requests that succeeded after retry
//   - Connectivity transitions
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Failed background refreshes and preloads
//   - Cache errors (treated as a miss)
//   - Rejected offline requests
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Batch response mismatches
//   - Configuration errors
//
// Context Fields:
//   - component: emitting package (reqflow-client, queue, batch, cache, preload)
//   - request_id: proxy request identifier
//   - method, url: request line
//   - priority: effective queue priority
//   - group: batch group key
//   - kind: error classification (timeout, network, cancel, server, client, offline)
//   - status: HTTP status code
//   - attempt, retries, backoff: retry state
//   - key, ttl: cache or preload entry
