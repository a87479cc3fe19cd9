package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for log aggregation
	LogFormatPretty LogFormat = "pretty" // Human-readable console format
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level   LogLevel  // Minimum log level
	Format  LogFormat // Output format
	Service string    // Service name attached to every event ("gateway" / "client")
}

// NewLogger creates a structured logger for the bridge.
//
// Features:
//   - Structured JSON output (Loki-compatible)
//   - Contextual fields for filtering
//   - Timestamp in RFC3339 format
//   - Caller information for debugging
//
// Example:
//
//	logger := NewLogger(LoggerConfig{
//	    Level:   LogLevelInfo,
//	    Format:  LogFormatJSON,
//	    Service: "gateway",
//	})
//	logger.Info().
//	    Str("component", "outbox").
//	    Int("records", 3).
//	    Msg("Spool replayed")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	// Set log level
	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	case LogLevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set format
	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "meshbridge"
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()

	return logger
}

// LogError logs an error with full context
//
// Example:
//
//	LogError(logger, err, "Failed to transmit chunk", map[string]any{
//	    "dest": dest,
//	    "seq":  seq,
//	})
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)

	for k, v := range fields {
		event = event.Interface(k, v)
	}

	event.Msg(msg)
}

// LogPanic logs a recovered panic with full stack trace
//
// Use in defer recover() blocks before re-panicking or gracefully handling.
func LogPanic(logger zerolog.Logger, recovered any, msg string, fields map[string]any) {
	stack := string(debug.Stack())

	event := logger.Error().
		Interface("panic", recovered).
		Str("stack_trace", stack)

	for k, v := range fields {
		event = event.Interface(k, v)
	}

	event.Msg(msg)
}
