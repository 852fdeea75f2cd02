// Package modlog implements §4.6's structured logger: leveled entries
// carrying component/operation/correlationId/duration/metadata, a colorized
// console formatter for interactive use and a JSON formatter for machine
// consumption, and duration-measuring helpers.
package modlog

import (
	"context"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Level mirrors the taxonomy §4.6 names explicitly (logrus has no distinct
// "fatal" severity above panic in our usage, so it maps directly).
type Level = logrus.Level

const (
	LevelTrace = logrus.TraceLevel
	LevelDebug = logrus.DebugLevel
	LevelInfo  = logrus.InfoLevel
	LevelWarn  = logrus.WarnLevel
	LevelError = logrus.ErrorLevel
	LevelFatal = logrus.FatalLevel
)

// Logger wraps a logrus.Entry scoped to one component.
type Logger struct {
	entry *logrus.Entry
}

// New constructs a root Logger for component, writing through the console
// formatter by default.
func New(component string, level Level) *Logger {
	base := logrus.New()
	base.SetLevel(level)
	base.SetFormatter(NewConsoleFormatter())
	return &Logger{entry: base.WithField("component", component)}
}

// NewJSON constructs a root Logger that emits newline-delimited JSON.
func NewJSON(component string, level Level) *Logger {
	base := logrus.New()
	base.SetLevel(level)
	base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	return &Logger{entry: base.WithField("component", component)}
}

// WithFields returns a child Logger that always carries the given fields
// (correlationId, operation, etc).
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithCorrelationID returns a child Logger tagged with a correlation id for
// one request/operation's lifetime.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return l.WithFields(logrus.Fields{"correlationId": id})
}

// WithOperation returns a child Logger tagged with the named operation.
func (l *Logger) WithOperation(op string) *Logger {
	return l.WithFields(logrus.Fields{"operation": op})
}

func (l *Logger) Trace(args ...interface{}) { l.entry.Trace(args...) }
func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *Logger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }

// WithError attaches an error field without logging immediately.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// measureResult is the outcome tag attached to measured operations.
const (
	resultSuccess = "success"
	resultError   = "error"
)

// MeasureSync runs fn, logging its duration and success/error result under
// the given operation name.
func (l *Logger) MeasureSync(operation string, fn func() error) error {
	op := l.WithOperation(operation)
	start := time.Now()
	err := fn()
	duration := time.Since(start)
	entry := op.WithFields(logrus.Fields{"duration": duration.String()})
	if err != nil {
		entry.WithFields(logrus.Fields{"result": resultError}).WithError(err).Warn("operation failed")
		return err
	}
	entry.WithFields(logrus.Fields{"result": resultSuccess}).Debug("operation completed")
	return nil
}

// MeasureAsync is MeasureSync's context-aware counterpart: fn is still run
// synchronously, but may observe ctx cancellation itself.
func (l *Logger) MeasureAsync(ctx context.Context, operation string, fn func(context.Context) error) error {
	op := l.WithOperation(operation)
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)
	entry := op.WithFields(logrus.Fields{"duration": duration.String()})
	if err != nil {
		entry.WithFields(logrus.Fields{"result": resultError}).WithError(err).Warn("operation failed")
		return err
	}
	entry.WithFields(logrus.Fields{"result": resultSuccess}).Debug("operation completed")
	return nil
}

// consoleFormatter colorizes the message text by level for interactive use
// and leaves the rest of the line, fields included, to the wrapped text
// formatter.
type consoleFormatter struct {
	inner logrus.Formatter
}

// NewConsoleFormatter builds the pretty formatter used by New.
func NewConsoleFormatter() logrus.Formatter {
	return &consoleFormatter{inner: &logrus.TextFormatter{FullTimestamp: true}}
}

func levelColor(level logrus.Level) *color.Color {
	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		return color.New(color.FgHiBlack)
	case logrus.InfoLevel:
		return color.New(color.FgCyan)
	case logrus.WarnLevel:
		return color.New(color.FgYellow)
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func (f *consoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Message = levelColor(entry.Level).Sprint(entry.Message)
	return f.inner.Format(entry)
}
