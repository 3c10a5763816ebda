package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureLogger(buf *bytes.Buffer) *slog.Logger {
	base := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(&RedactingHandler{base: base})
}

func TestRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)

	logger.LogAttrs(context.Background(), slog.LevelInfo, "provider call",
		slog.String("api_key", "sk-secret-value"),
		slog.String("authorization", "Bearer abc"),
		slog.String("password", "hunter2"),
		slog.String("model", "alpha:prime"),
	)

	out := buf.String()
	for _, secret := range []string{"sk-secret-value", "Bearer abc", "hunter2"} {
		if strings.Contains(out, secret) {
			t.Errorf("secret %q leaked into log output", secret)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("expected redaction markers")
	}
	if !strings.Contains(out, "alpha:prime") {
		t.Error("non-sensitive attributes must pass through")
	}
}

func TestRedactsBodies(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)

	logger.Info("request", slog.String("body", `{"question":"secret question"}`))
	if strings.Contains(buf.String(), "secret question") {
		t.Error("request bodies must never be logged")
	}
}

func TestLogOutputIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)
	logger.Info("hello", slog.Int("round", 2))

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if decoded["msg"] != "hello" || decoded["round"] != float64(2) {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestSetLevel(t *testing.T) {
	SetLevel("debug")
	if globalLevel.Level() != slog.LevelDebug {
		t.Errorf("level = %v", globalLevel.Level())
	}
	SetLevel("nonsense")
	if globalLevel.Level() != slog.LevelInfo {
		t.Errorf("unknown level must default to info, got %v", globalLevel.Level())
	}
}
