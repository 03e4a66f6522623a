package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestSlogLoggerDelegates(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewSlog(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Info("boot", Fields{"system": "test"})

	child := logger.With(Fields{"base": "value"})
	child.Debug("child", Fields{"extra": "data"})
	child.Error("child failed", errors.New("boom"), nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines, got %d", len(lines))
	}

	if !strings.Contains(lines[0], `"msg":"boot"`) || !strings.Contains(lines[0], `"system":"test"`) {
		t.Fatalf("unexpected first line: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"base":"value"`) || !strings.Contains(lines[1], `"extra":"data"`) {
		t.Fatalf("expected inherited and own fields, got: %s", lines[1])
	}
	if !strings.Contains(lines[2], `"level":"ERROR"`) || !strings.Contains(lines[2], `"error":"boom"`) {
		t.Fatalf("expected error with cause, got: %s", lines[2])
	}
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := Nop()
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the receiver")
	}
}

type recordedEntry struct {
	level  string
	msg    string
	err    error
	fields Fields
}

type recordingLogger struct {
	logs   *[]recordedEntry
	fields Fields
}

func newRecordingLogger() *recordingLogger {
	logs := []recordedEntry{}
	return &recordingLogger{logs: &logs}
}

func (r *recordingLogger) With(fields Fields) Logger {
	merged := Fields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{logs: r.logs, fields: merged}
}

func (r *recordingLogger) record(level, msg string, err error, fields Fields) {
	merged := Fields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	*r.logs = append(*r.logs, recordedEntry{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingLogger) Debug(msg string, fields Fields) { r.record("debug", msg, nil, fields) }
func (r *recordingLogger) Info(msg string, fields Fields)  { r.record("info", msg, nil, fields) }
func (r *recordingLogger) Error(msg string, err error, fields Fields) {
	r.record("error", msg, err, fields)
}

func TestWatermillAdapter(t *testing.T) {
	rec := newRecordingLogger()
	adapter := NewWatermillAdapter(rec)

	adapter.Info("subscribing", watermill.LogFields{"topic": "a"})
	adapter.Trace("raw frame", nil)

	boom := errors.New("boom")
	child := adapter.With(watermill.LogFields{"base": "value"})
	child.Error("publish failed", boom, watermill.LogFields{"topic": "b"})

	logs := *rec.logs
	if len(logs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(logs))
	}
	if logs[0].level != "info" || logs[0].fields["topic"] != "a" {
		t.Fatalf("unexpected first entry: %#v", logs[0])
	}
	// Watermill trace maps onto debug.
	if logs[1].level != "debug" {
		t.Fatalf("expected trace to map to debug, got %s", logs[1].level)
	}
	if logs[2].err != boom || logs[2].fields["base"] != "value" || logs[2].fields["topic"] != "b" {
		t.Fatalf("expected merged error entry, got %#v", logs[2])
	}
}

func TestNewSlogPanicsOnNil(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when logger nil")
		}
	}()
	NewSlog(nil)
}
