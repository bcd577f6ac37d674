package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	base := newLogger(&buf, slog.LevelInfo, "json")
	NewComponentLogger(base, "supervisor").Info("stt_reconnect")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["component"] != "supervisor" {
		t.Fatalf("expected component attr, got %v", rec["component"])
	}
	if rec["msg"] != "stt_reconnect" {
		t.Fatalf("unexpected msg %v", rec["msg"])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	ForStream(newLogger(&buf, slog.LevelDebug, "TEXT"), "s-1", "google").Debug("stt_open")
	out := buf.String()
	if !strings.Contains(out, "stream_id=s-1") || !strings.Contains(out, "backend=google") {
		t.Fatalf("unexpected text output %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatalf("expected debug")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}
