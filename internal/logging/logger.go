// Package logging provides structured JSON logging for the FJORD service.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the canonical upper-case name of the level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

// Logger writes JSON log entries at or above its configured level. Loggers
// are immutable; WithFields returns derived loggers.
type Logger struct {
	level  Level
	output io.Writer
	fields map[string]interface{}
}

// New creates a Logger writing to output at the given minimum level.
func New(level Level, output io.Writer) *Logger {
	return &Logger{level: level, output: output, fields: map[string]interface{}{}}
}

// WithFields returns a Logger that includes fields on every entry.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{level: l.level, output: l.output, fields: merged}
}

// WithField returns a Logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithError returns a Logger with the error field set.
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err.Error())
}

func (l *Logger) enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) write(level Level, msg string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}

	entry := make(map[string]interface{}, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, "%s [%s] %s: %+v\n", time.Now().Format(time.RFC3339), level, msg, fields)
		return
	}
	data = append(data, '\n')
	_, _ = l.output.Write(data)

	if level == FatalLevel {
		os.Exit(1)
	}
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a message at DebugLevel.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.write(DebugLevel, msg, first(fields))
}

// Info logs a message at InfoLevel.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.write(InfoLevel, msg, first(fields))
}

// Warn logs a message at WarnLevel.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.write(WarnLevel, msg, first(fields))
}

// Error logs a message at ErrorLevel.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.write(ErrorLevel, msg, first(fields))
}

// Fatal logs a message at FatalLevel and exits the process.
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) {
	l.write(FatalLevel, msg, first(fields))
}

type ctxKey struct{}

// FromContext returns the request logger stored in ctx, or a default
// stderr logger if none is present.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return logger
	}
	return New(InfoLevel, os.Stderr)
}

// NewContext stores logger in ctx for retrieval by FromContext.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}
