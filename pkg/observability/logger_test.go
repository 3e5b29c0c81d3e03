package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gantry-ai/gantry/pkg/contextkeys"
)

func logEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		if buf.Len() > 0 {
			t.Error("Debug message should not be logged at Info level")
		}
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")
		if buf.Len() == 0 {
			t.Fatal("Info message should be logged at Info level")
		}

		entry := logEntry(t, &buf)
		if entry["level"] != "INFO" {
			t.Errorf("Expected level INFO, got %v", entry["level"])
		}
		if entry["msg"] != "info message" {
			t.Errorf("Expected message 'info message', got %v", entry["msg"])
		}
	})

	t.Run("warn logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Warn("warn message")
		if buf.Len() == 0 {
			t.Error("Warn message should be logged at Info level")
		}
	})

	t.Run("error logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Error("error message")
		if buf.Len() == 0 {
			t.Error("Error message should be logged at Info level")
		}
	})
}

func TestLogger_WithField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithField("model", "gpt-4o").Info("message")

	entry := logEntry(t, &buf)
	if entry["model"] != "gpt-4o" {
		t.Errorf("Expected field model=gpt-4o, got %v", entry["model"])
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.WithFields(map[string]interface{}{
		"provider": "openai",
		"tokens":   42,
	}).Info("message")

	entry := logEntry(t, &buf)
	if entry["provider"] != "openai" {
		t.Errorf("Expected field provider=openai, got %v", entry["provider"])
	}
	if entry["tokens"] != float64(42) {
		t.Errorf("Expected field tokens=42, got %v", entry["tokens"])
	}
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("attaches error field", func(t *testing.T) {
		buf.Reset()
		logger.WithError(errors.New("boom")).Error("failed")

		entry := logEntry(t, &buf)
		if entry["error"] != "boom" {
			t.Errorf("Expected error field boom, got %v", entry["error"])
		}
	})

	t.Run("nil error is a no-op", func(t *testing.T) {
		buf.Reset()
		logger.WithError(nil).Info("fine")

		entry := logEntry(t, &buf)
		if _, ok := entry["error"]; ok {
			t.Error("Expected no error field for nil error")
		}
	})
}

func TestLogger_Formatted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.Infof("resolved %s to %s", "gpt-4o", "openai")

	entry := logEntry(t, &buf)
	if entry["msg"] != "resolved gpt-4o to openai" {
		t.Errorf("Unexpected formatted message: %v", entry["msg"])
	}
}

func TestLogger_Context(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = contextkeys.WithRequestID(ctx, "req-abc")

	FromContext(ctx).Info("message")

	entry := logEntry(t, &buf)
	if entry["request_id"] != "req-abc" {
		t.Errorf("Expected request_id req-abc, got %v", entry["request_id"])
	}
}
