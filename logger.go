package realtime

import (
	"os"

	"github.com/rs/zerolog"
)

// LogLevel controls how much the default logger emits.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Logger receives protocol events. kind names the subsystem ("channel",
// "push", "transport", ...), msg is human-readable, data is the structured
// context for the event and may be nil.
type Logger func(kind, msg string, data any)

// defaultLogger adapts zerolog to the Logger signature.
func defaultLogger(level LogLevel) Logger {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("lib", "realtime").Logger().
		Level(zerologLevel(level))

	return func(kind, msg string, data any) {
		ev := zl.Debug()
		switch kind {
		case "error":
			ev = zl.Error()
		case "warn":
			ev = zl.Warn()
		}
		ev.Str("kind", kind).Interface("data", data).Msg(msg)
	}
}

func zerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
