// Package logging wraps zerolog with the field set the scan engine's
// workers actually emit: worker kind/index, scan phase, and the running
// counters the status printer also exposes. It exists so every package
// under pkg/ logs through the same sink instead of each reaching for
// zerolog directly.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is the logging verbosity, mirroring zerolog's levels without
// exposing the zerolog type at call sites.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the writer zerolog renders through.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config configures a Logger.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer // defaults to os.Stderr
}

// Logger is a structured logger scoped to one component (a worker, the
// engine, a scan module); WithField/WithWorker derive children that carry
// extra context without mutating the parent.
type Logger struct {
	zl zerolog.Logger
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(out).With().Timestamp().Logger().Level(levelOf(cfg.Level))
	return &Logger{zl: zl}
}

func levelOf(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithField returns a child logger with one extra structured field.
func (l *Logger) WithField(key string, v any) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, v).Logger()}
}

// WithWorker tags every subsequent log line from this logger with the
// worker kind ("tx", "rx", "handler") and its 0-based index, the two
// fields every worker goroutine in pkg/engine logs against.
func (l *Logger) WithWorker(kind string, idx int) *Logger {
	return &Logger{zl: l.zl.With().Str("worker", kind).Int("idx", idx).Logger()}
}

// Debug, Info, Warn, Error log msg as-is (no format verbs) with optional
// key/value pairs appended as structured fields (key must be a string).
func (l *Logger) Debug(msg string, kv ...any) { l.log(l.zl.Debug(), msg, kv) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(l.zl.Info(), msg, kv) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(l.zl.Warn(), msg, kv) }
func (l *Logger) Error(msg string, kv ...any) { l.log(l.zl.Error(), msg, kv) }

func (l *Logger) log(ev *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, kv[i+1])
	}
	ev.Msg(msg)
}

// Zerolog exposes the underlying zerolog.Logger for packages (like
// errgroup-supervised workers) that want to attach it to a context.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }
