/*
Package log provides structured logging for the transaction engine using
zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, a configurable level, and helper
functions for the handful of logging patterns the engine needs at every
protocol step: attempt lifecycle transitions, retry backoff, and cleanup
sweep progress.
*/
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
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

func init() {
	// A usable default so packages that log before Init (e.g. in tests) don't panic.
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// WithComponent creates a child logger tagged with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTxnID creates a child logger tagged with the owning transaction id.
func WithTxnID(txnID string) zerolog.Logger {
	return Logger.With().Str("txn_id", txnID).Logger()
}

// WithAttemptID creates a child logger tagged with the owning attempt id.
func WithAttemptID(attemptID string) zerolog.Logger {
	return Logger.With().Str("attempt_id", attemptID).Logger()
}

// WithATRID creates a child logger tagged with an ATR document id.
func WithATRID(atrID string) zerolog.Logger {
	return Logger.With().Str("atr_id", atrID).Logger()
}
