// Package logging defines the structured logging contract shared by the
// pipeline and its collaborators, with adapters for slog and Watermill so
// the transport layer logs through the same sink as the services.
package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// Fields carries structured key/value pairs attached to a log entry.
type Fields map[string]any

// Logger is the minimal logging contract used throughout eventpipe.
type Logger interface {
	With(fields Fields) Logger
	Debug(msg string, fields Fields)
	Info(msg string, fields Fields)
	Error(msg string, err error, fields Fields)
}

// NewSlog wraps a slog.Logger so it satisfies the Logger interface.
func NewSlog(log *slog.Logger) Logger {
	if log == nil {
		panic("eventpipe: slog logger cannot be nil")
	}
	return &slogLogger{inner: log}
}

// Nop returns a Logger that discards everything. Useful in tests.
func Nop() Logger {
	return &slogLogger{inner: slog.New(slog.DiscardHandler)}
}

type slogLogger struct {
	inner *slog.Logger
}

func (s *slogLogger) With(fields Fields) Logger {
	if len(fields) == 0 {
		return s
	}
	return &slogLogger{inner: s.inner.With(attrs(fields)...)}
}

func (s *slogLogger) Debug(msg string, fields Fields) {
	s.inner.Debug(msg, attrs(fields)...)
}

func (s *slogLogger) Info(msg string, fields Fields) {
	s.inner.Info(msg, attrs(fields)...)
}

func (s *slogLogger) Error(msg string, err error, fields Fields) {
	args := attrs(fields)
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	s.inner.Error(msg, args...)
}

func attrs(fields Fields) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, slog.Any(k, v))
	}
	return args
}

// NewWatermillAdapter exposes a Logger as a watermill.LoggerAdapter so the
// transport and pipeline share one logging configuration.
func NewWatermillAdapter(log Logger) watermill.LoggerAdapter {
	if log == nil {
		panic("eventpipe: logger cannot be nil")
	}
	return &watermillAdapter{inner: log}
}

type watermillAdapter struct {
	inner Logger
}

func (w *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.inner.Error(msg, err, Fields(fields))
}

func (w *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.inner.Info(msg, Fields(fields))
}

func (w *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.inner.Debug(msg, Fields(fields))
}

func (w *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.inner.Debug(msg, Fields(fields))
}

func (w *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{inner: w.inner.With(Fields(fields))}
}
