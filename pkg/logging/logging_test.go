package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestNewJSONCarriesService(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "info", Format: "json", Output: "stdout"}, "crm-api", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closer.Close()

	logger.Debug("hidden")
	logger.Warn("token rejected", "reason", "invalidated")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected debug line filtered, got %d lines: %s", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["service"] != "crm-api" || rec["reason"] != "invalidated" || rec["level"] != "WARN" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Config{Level: "debug", Format: "text"}, "crm-authsync", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Debug("polling")
	if !strings.Contains(buf.String(), "service=crm-authsync") || !strings.Contains(buf.String(), "msg=polling") {
		t.Fatalf("unexpected text output: %s", buf.String())
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "crm.log")
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "info", Format: "json", Output: "both", FilePath: path, MaxSizeMB: 1}, "crm-api", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Info("started")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"started"`) || !strings.Contains(buf.String(), `"msg":"started"`) {
		t.Fatalf("expected line in file and stdout, file=%s stdout=%s", data, buf.String())
	}
}

func TestNewRejectsUnknownOutput(t *testing.T) {
	if _, _, err := New(Config{Output: "syslog"}, "crm-api", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestTraceIDsFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger, _, _ := New(Config{Format: "json"}, "crm-api", &buf)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	logger.InfoContext(ctx, "with span")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["trace_id"] != sc.TraceID().String() || rec["span_id"] != sc.SpanID().String() {
		t.Fatalf("expected trace ids, got %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
