package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantLevel string
		wantMsg   string
	}{
		{name: "empty", input: "", wantLevel: "INFO", wantMsg: ""},
		{name: "prefix word", input: "ERROR fetching instances: boom", wantLevel: "ERROR", wantMsg: "fetching instances: boom"},
		{name: "bracketed", input: "[warn] role untagged", wantLevel: "WARN", wantMsg: "role untagged"},
		{name: "colon", input: "warning: skipped", wantLevel: "WARN", wantMsg: "skipped"},
		{name: "no level", input: "Start command sent", wantLevel: "INFO", wantMsg: "Start command sent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, msg := parseLevel(tt.input)
			if level != tt.wantLevel || msg != tt.wantMsg {
				t.Fatalf("parseLevel(%q) = (%q, %q), want (%q, %q)", tt.input, level, msg, tt.wantLevel, tt.wantMsg)
			}
		})
	}
}

func TestJSONLogWriter(t *testing.T) {
	var buf bytes.Buffer
	w := newJSONLogWriter("appctl", &buf)
	w.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	if _, err := w.Write([]byte("ERROR stop failed\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["level"] != "ERROR" || entry["msg"] != "stop failed" || entry["service"] != "appctl" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if entry["ts"] != "2024-01-02T03:04:05Z" {
		t.Fatalf("ts = %q", entry["ts"])
	}
	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if want := []string{"level", "msg", "service", "ts"}; !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
}

func TestInitWithoutCollector(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var buf bytes.Buffer
	shutdown, logger, err := Init(context.Background(), "appctl", Options{LogFormat: FormatText, Out: &buf})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	logger.Printf("INFO hello")
	if !strings.Contains(buf.String(), "INFO hello") {
		t.Fatalf("log output %q missing message", buf.String())
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger("appctl", Options{LogFormat: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
