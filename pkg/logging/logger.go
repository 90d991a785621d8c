// Package logging configures structured zerolog output for the avela client
// and CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
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

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ValidateLevel returns an error for an unknown level name. Empty is allowed
// and means info.
func ValidateLevel(level LogLevel) error {
	switch strings.ToLower(string(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
}

func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
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

// NewLogger derives a logger for one component from the global logger.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str(FieldComponent, component).Logger()
}

// WithRun tags every entry of logger with a fresh run id so the lines of one
// CLI invocation can be grouped. It returns the id as well.
func WithRun(logger zerolog.Logger) (zerolog.Logger, string) {
	id := uuid.NewString()
	return logger.With().Str(FieldRunID, id).Logger(), id
}

// Common field names.
const (
	FieldComponent  = "component"
	FieldRunID      = "run_id"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldAttempt    = "attempt"
	FieldErrorClass = "error_class"
	FieldWait       = "wait"
	FieldChunk      = "chunk"
	FieldGroup      = "group"
)

// Log level guidelines:
//
// Debug: token cache hits, pacing waits, individual page fetches.
//
// Info: token refreshes, chunk submissions and their group outcomes, run
// summaries.
//
// Warn: retries, 429 blocks, partial groups, skipped input lines.
//
// Error: exhausted retries, failed chunks, authentication failures.
