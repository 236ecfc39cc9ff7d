package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger provides structured logging for the pipeline components
type Logger struct {
	prefix string
	entry  *logrus.Entry
}

// NewLogger creates a new logger with a prefix, writing to stdout at the
// level named by LOG_LEVEL (info when unset or invalid).
func NewLogger(prefix string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	return &Logger{
		prefix: prefix,
		entry:  base.WithField("component", prefix),
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(base)}
}

// With returns a child logger carrying a sub-component name.
func (l *Logger) With(prefix string) *Logger {
	name := prefix
	if l.prefix != "" {
		name = l.prefix + "." + prefix
	}
	return &Logger{
		prefix: name,
		entry:  l.entry.WithField("component", name),
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Info(msg)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Warn(msg)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Error(msg)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.withKV(keysAndValues).Debug(msg)
}

func (l *Logger) withKV(keysAndValues []interface{}) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return l.entry.WithFields(fields)
}

// Entry exposes the underlying logrus entry for libraries that take their
// own logger, such as asynq.
func (l *Logger) Entry() *logrus.Entry {
	return l.entry
}
