// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F constructs a logging field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the engine.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts the standard library logger to the Logger interface.
type StdLogger struct {
	inner *log.Logger
	debug bool
}

// NewStdLogger wraps the provided standard logger. A nil logger uses the
// process default. Debug lines are suppressed unless debug is true.
func NewStdLogger(inner *log.Logger, debug bool) *StdLogger {
	if inner == nil {
		inner = log.Default()
	}
	return &StdLogger{inner: inner, debug: debug}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.inner.Printf("DEBUG %s%s", msg, formatFields(fields))
}

func (l *StdLogger) Info(msg string, fields ...Field) {
	l.inner.Printf("INFO %s%s", msg, formatFields(fields))
}

func (l *StdLogger) Error(msg string, fields ...Field) {
	l.inner.Printf("ERROR %s%s", msg, formatFields(fields))
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}
