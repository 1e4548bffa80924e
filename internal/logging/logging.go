// Package logging builds the process-wide zerolog logger. Components derive
// their own loggers from it with contextual fields (sid, conn_id, seq).
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger at the given level ("debug", "info", "warn",
// "error") and format ("json" or "pretty"). JSON output is the production
// default; pretty is for terminals.
func New(level, format string) zerolog.Logger {
	var lvl zerolog.Level
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout
	if format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "loquilex-ws").
		Logger()
}

// Discard returns a logger that drops everything; used in tests.
func Discard() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// RecoverPanic logs a recovered panic with its stack and keeps the process
// alive. Use it as a deferred call in every long-lived goroutine.
func RecoverPanic(logger zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("Goroutine panic recovered")
	}
}
