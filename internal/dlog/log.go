// Package dlog provides the process-wide structured logger used across
// every devloop package. Component loggers carry a "component" field so
// interleaved output from the runner, executors, and the docker client can
// be told apart without resorting to prefixing every message by hand.
package dlog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called before it is
// used; the zero value has no writer and so discards every event, so
// callers should always go through Init first.
var Logger zerolog.Logger

// Level is a logging verbosity, matching the values accepted by RUST_LOG_LEVEL.
type Level string

const (
	OffLevel   Level = "off"
	ErrorLevel Level = "error"
	WarnLevel  Level = "warn"
	InfoLevel  Level = "info"
	DebugLevel Level = "debug"
	TraceLevel Level = "trace"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(levelToZerolog(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func levelToZerolog(l Level) zerolog.Level {
	switch Level(strings.ToLower(string(l))) {
	case OffLevel:
		return zerolog.Disabled
	case ErrorLevel:
		return zerolog.ErrorLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case TraceLevel:
		return zerolog.TraceLevel
	case InfoLevel:
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// FromEnv builds a Config from the RUST_LOG_LEVEL / RUST_LOG_FORMAT
// environment variables, falling back to info/console. These names are
// carried over unchanged from the tool's documented external interface.
func FromEnv() Config {
	cfg := Config{Level: InfoLevel}
	if lvl := os.Getenv("RUST_LOG_LEVEL"); lvl != "" {
		cfg.Level = Level(lvl)
	}
	if fmtV := strings.ToLower(os.Getenv("RUST_LOG_FORMAT")); fmtV == "json" {
		cfg.JSONOutput = true
	}
	return cfg
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) *zerolog.Logger {
	l := Logger.With().Str("component", component).Logger()
	return &l
}

// WithTaskName creates a child logger with a task_name field.
func WithTaskName(taskName string) *zerolog.Logger {
	l := Logger.With().Str("task_name", taskName).Logger()
	return &l
}

// WithPipelineID creates a child logger with a pipeline_id field.
func WithPipelineID(pipelineID string) zerolog.Logger {
	return Logger.With().Str("pipeline_id", pipelineID).Logger()
}

// Info logs a message at info level on the global logger.
func Info(msg string) { Logger.Info().Msg(msg) }

// Debug logs a message at debug level on the global logger.
func Debug(msg string) { Logger.Debug().Msg(msg) }

// Warn logs a message at warn level on the global logger.
func Warn(msg string) { Logger.Warn().Msg(msg) }

// Error logs a message at error level on the global logger.
func Error(msg string) { Logger.Error().Msg(msg) }

// Errorf logs a message at error level along with a wrapped error.
func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }

// Fatal logs a message at fatal level on the global logger and exits the
// process with status 1.
func Fatal(msg string) { Logger.Fatal().Msg(msg) }
