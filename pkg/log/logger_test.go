package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "debug"},
		{InfoLevel, "info"},
		{WarnLevel, "warn"},
		{ErrorLevel, "error"},
		{FatalLevel, "fatal"},
		{Level(100), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("Level.String() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"fatal", FatalLevel},
		{"unknown", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%s) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNewWithWriter_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, InfoLevel)

	logger.With(Service("web")).Warn("check failed", Error(errors.New("refused")), Int("port", 8080))
	logger.Debug("hidden")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	line := lines[0]
	if line["msg"] != "check failed" {
		t.Errorf("msg = %v", line["msg"])
	}
	if line["service"] != "web" {
		t.Errorf("service = %v", line["service"])
	}
	if line["error"] != "refused" {
		t.Errorf("error = %v", line["error"])
	}
	if line["port"] != float64(8080) {
		t.Errorf("port = %v", line["port"])
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, InfoLevel)

	ctx := WithInstanceID(WithService(context.Background(), "db"), "host-1")
	logger.WithContext(ctx).Info("reported up")

	line := decodeLines(t, &buf)[0]
	if line["service"] != "db" || line["instance_id"] != "host-1" {
		t.Errorf("context fields missing: %v", line)
	}

	if logger.WithContext(context.Background()) != logger {
		t.Error("WithContext without values should return the same logger")
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, InfoLevel)

	logger.SetLevel(DebugLevel)
	if logger.GetLevel() != DebugLevel {
		t.Errorf("GetLevel() = %v, want debug", logger.GetLevel())
	}
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("debug message should be written after SetLevel")
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nerve.log")
	logger, err := New(&Config{Level: "info", Format: "json", Output: "file", Filename: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("started", String("version", "test"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"started"`) {
		t.Errorf("log file content = %s", data)
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Info("dropped")
	logger.With(String("k", "v")).Error("dropped")
	if err := logger.Sync(); err != nil {
		t.Errorf("Nop Sync() error = %v", err)
	}
}

func TestDefault(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	nop := Nop()
	SetDefault(nop)
	if Default() != nop {
		t.Error("SetDefault should replace the default logger")
	}
}

func TestFieldHelpers(t *testing.T) {
	if f := Reporter("zookeeper"); f.Key != "reporter" || f.Value != "zookeeper" {
		t.Errorf("Reporter() = %+v", f)
	}
	if f := Check("tcp"); f.Key != "check" {
		t.Errorf("Check() = %+v", f)
	}
	f := Endpoint("10.0.0.1", 80)
	m, ok := f.Value.(map[string]interface{})
	if !ok || m["host"] != "10.0.0.1" || m["port"] != 80 {
		t.Errorf("Endpoint() = %+v", f)
	}
}
