package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	var entry Entry
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to parse log entry %q: %v", line, err)
	}
	return entry
}

func TestLogger_BasicLogging(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "transfer")

	log.Info(context.Background(), "test message", Fields{"key": "value"})

	entry := decodeEntry(t, &buf)
	if entry.Level != "info" {
		t.Errorf("expected level info, got %s", entry.Level)
	}
	if entry.Message != "test message" {
		t.Errorf("expected message 'test message', got %s", entry.Message)
	}
	if entry.Component != "transfer" {
		t.Errorf("expected component transfer, got %s", entry.Component)
	}
	if entry.Fields["key"] != "value" {
		t.Errorf("expected field key=value, got %v", entry.Fields["key"])
	}
}

func TestLogger_ContextIDs(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "")

	ctx := apperrors.WithRequestID(context.Background(), "req-1")
	ctx = apperrors.WithBatchID(ctx, "batch-1")
	ctx = apperrors.WithJobID(ctx, "job-1")
	log.Info(ctx, "tagged")

	entry := decodeEntry(t, &buf)
	if entry.RequestID != "req-1" || entry.BatchID != "batch-1" || entry.JobID != "job-1" {
		t.Errorf("context ids not propagated: %+v", entry)
	}
}

func TestLogger_ErrorDetails(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "")

	log.Error(context.Background(), "transfer failed", apperrors.AuthRejected("token revoked"))

	entry := decodeEntry(t, &buf)
	if entry.Error == nil {
		t.Fatal("expected error details")
	}
	if entry.Error.Code != apperrors.CodeAuthRejected {
		t.Errorf("expected code %s, got %s", apperrors.CodeAuthRejected, entry.Error.Code)
	}
	if entry.Error.Category != string(apperrors.CategoryExternal) {
		t.Errorf("expected category external, got %s", entry.Error.Category)
	}
	if entry.Caller == "" || entry.Error.StackTrace == "" {
		t.Error("expected caller and stack trace on error entries")
	}
}

func TestLogger_LogLevels(t *testing.T) {
	tests := []struct {
		minLevel     Level
		logLevel     string
		shouldOutput bool
	}{
		{LevelInfo, "debug", false},
		{LevelInfo, "info", true},
		{LevelWarn, "info", false},
		{LevelWarn, "warn", true},
		{LevelError, "warn", false},
		{LevelError, "error", true},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		log := New(&buf, tt.minLevel, "")

		ctx := context.Background()
		switch tt.logLevel {
		case "debug":
			log.Debug(ctx, "test")
		case "info":
			log.Info(ctx, "test")
		case "warn":
			log.Warn(ctx, "test")
		case "error":
			log.Error(ctx, "test", nil)
		}

		hasOutput := buf.Len() > 0
		if hasOutput != tt.shouldOutput {
			t.Errorf("minLevel=%s, logLevel=%s: expected output=%v, got=%v",
				tt.minLevel, tt.logLevel, tt.shouldOutput, hasOutput)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"unknown", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestMiddleware_RedactsSensitiveQuery(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "")

	handler := Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/batches?token=abc&page=2", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeEntry(t, &buf)
	query, _ := entry.Fields["query"].(string)
	if strings.Contains(query, "abc") || !strings.Contains(query, "page=2") {
		t.Errorf("unexpected sanitized query %q", query)
	}
	if status, _ := entry.Fields["status"].(float64); int(status) != http.StatusAccepted {
		t.Errorf("expected status 202 in log, got %v", entry.Fields["status"])
	}
}

func TestRecovery_WritesInternalError(t *testing.T) {
	handler := Recovery(Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
