package netcore

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logging surface used by every component.
// keyvals alternate string keys and values.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	logger zerolog.Logger
}

var _ Logger = (*ZerologLogger)(nil)

// NewZerologLogger wraps logger.
func NewZerologLogger(logger zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{logger: logger}
}

// NewConsoleLogger writes human-readable output to stderr at the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func NewConsoleLogger(level string) *ZerologLogger {
	return newConsoleLogger(os.Stderr, level)
}

func newConsoleLogger(w io.Writer, level string) *ZerologLogger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return NewZerologLogger(zerolog.New(out).Level(lvl).With().Timestamp().Str("component", "netcore").Logger())
}

// Zerolog returns the wrapped logger.
func (l *ZerologLogger) Zerolog() zerolog.Logger {
	return l.logger
}

func (l *ZerologLogger) Debug(msg string, keyvals ...any) {
	emit(l.logger.Debug(), msg, keyvals)
}

func (l *ZerologLogger) Info(msg string, keyvals ...any) {
	emit(l.logger.Info(), msg, keyvals)
}

func (l *ZerologLogger) Warn(msg string, keyvals ...any) {
	emit(l.logger.Warn(), msg, keyvals)
}

func (l *ZerologLogger) Error(msg string, keyvals ...any) {
	emit(l.logger.Error(), msg, keyvals)
}

func emit(ev *zerolog.Event, msg string, keyvals []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if i+1 >= len(keyvals) {
			ev = ev.Interface(key, "(MISSING)")
			break
		}
		switch v := keyvals[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return noopLogger{}
}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}
