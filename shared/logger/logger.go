// Package logger is a small structured-logging façade over logrus,
// modeled on LXD's shared/logger: callers build up a Ctx of structured
// fields and log through a Logger value rather than formatting strings by
// hand.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Ctx is a set of structured fields attached to a log entry.
type Ctx map[string]any

// Logger writes structured log entries. AddContext returns a derived
// Logger that merges extra fields into every entry it writes, so a
// component can hold a Logger carrying its own identity (subchannel id,
// pid, token) without threading fields through every call.
type Logger interface {
	Debug(msg string, ctx ...Ctx)
	Info(msg string, ctx ...Ctx)
	Warn(msg string, ctx ...Ctx)
	Error(msg string, ctx ...Ctx)
	AddContext(ctx Ctx) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) fields(ctx []Ctx) logrus.Fields {
	if len(ctx) == 0 {
		return nil
	}

	f := make(logrus.Fields, len(ctx[0]))
	for _, c := range ctx {
		for k, v := range c {
			f[k] = v
		}
	}
	return f
}

func (l *logrusLogger) Debug(msg string, ctx ...Ctx) { l.entry.WithFields(l.fields(ctx)).Debug(msg) }
func (l *logrusLogger) Info(msg string, ctx ...Ctx)  { l.entry.WithFields(l.fields(ctx)).Info(msg) }
func (l *logrusLogger) Warn(msg string, ctx ...Ctx)  { l.entry.WithFields(l.fields(ctx)).Warn(msg) }
func (l *logrusLogger) Error(msg string, ctx ...Ctx) { l.entry.WithFields(l.fields(ctx)).Error(msg) }

func (l *logrusLogger) AddContext(ctx Ctx) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(ctx))}
}

var std = logrus.New()

func init() {
	std.SetOutput(os.Stderr)
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetDebug toggles debug-level logging for the default logger.
func SetDebug(enabled bool) {
	if enabled {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

// New returns a fresh Logger backed by the package's default logrus
// instance, carrying no initial context.
func New() Logger {
	return &logrusLogger{entry: logrus.NewEntry(std)}
}

var defaultLogger = New()

// AddContext returns a Logger derived from the package default, carrying
// ctx on every entry it writes.
func AddContext(ctx Ctx) Logger { return defaultLogger.AddContext(ctx) }

// Debug logs msg at debug level using the package default logger.
func Debug(msg string, ctx ...Ctx) { defaultLogger.Debug(msg, ctx...) }

// Debugf logs a formatted message at debug level using the package
// default logger. Kept for call sites translating C-style printf logging
// (as seen in the teacher's idmap package) that have no structured fields
// to attach.
func Debugf(format string, args ...any) { std.Debugf(format, args...) }

// Info logs msg at info level using the package default logger.
func Info(msg string, ctx ...Ctx) { defaultLogger.Info(msg, ctx...) }

// Warn logs msg at warn level using the package default logger.
func Warn(msg string, ctx ...Ctx) { defaultLogger.Warn(msg, ctx...) }

// Error logs msg at error level using the package default logger.
func Error(msg string, ctx ...Ctx) { defaultLogger.Error(msg, ctx...) }
