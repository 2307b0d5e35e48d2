package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// capture re-initializes the global logger against a buffer and restores the
// default configuration when the test ends.
func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, Output: &buf})
	t.Cleanup(func() {
		Close()
		Init(DefaultConfig())
	})
	return &buf
}

func TestLevelsFilter(t *testing.T) {
	buf := capture(t, InfoLevel)

	Debug().Msg("too quiet to appear")
	Info().Msg("info line")
	Warn().Msg("warn line")
	Error().Msg("error line")

	out := buf.String()
	if strings.Contains(out, "too quiet") {
		t.Error("debug should be filtered at info level")
	}
	for _, want := range []string{"info line", "warn line", "error line"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestJSONOutputShape(t *testing.T) {
	buf := capture(t, DebugLevel)

	Info().Str("session", "s-1").Int("step", 3).Msg("loop advanced")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["level"] != "info" || entry["message"] != "loop advanced" {
		t.Errorf("entry = %v", entry)
	}
	if entry["session"] != "s-1" || entry["step"] != float64(3) {
		t.Errorf("structured fields lost: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entries should carry a timestamp")
	}
}

func TestWithChildLogger(t *testing.T) {
	buf := capture(t, DebugLevel)

	child := With().Str("component", "scheduler").Logger()
	child.Info().Msg("tick")

	if !strings.Contains(buf.String(), `"component":"scheduler"`) {
		t.Errorf("child logger field missing: %s", buf.String())
	}
}

func TestPrettyConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, Pretty: true})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().Msg("readable")

	out := buf.String()
	if !strings.Contains(out, "readable") {
		t.Fatalf("output missing message: %s", out)
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Error("pretty output should not be raw JSON")
	}
}

func TestLogToFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, LogToFile: true, LogDir: dir})
	t.Cleanup(func() {
		Close()
		Init(DefaultConfig())
	})

	Info().Msg("persisted line")

	path := GetLogFilePath()
	if path == "" {
		t.Fatal("no log file path after LogToFile init")
	}
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "conductor-") || !strings.HasSuffix(name, ".log") {
		t.Errorf("unexpected log file name %q", name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "persisted line") {
		t.Error("file sink missed the entry")
	}

	Close()
	if GetLogFilePath() != "" {
		t.Error("Close should drop the file handle")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"DEBUG", DebugLevel},
		{" info ", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{"ERROR", ErrorLevel},
		{"fatal", FatalLevel},
		{"nonsense", InfoLevel},
		{"", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != InfoLevel {
		t.Errorf("default level = %v", cfg.Level)
	}
	if cfg.Output != os.Stderr {
		t.Error("default output should be stderr")
	}
	if cfg.TimeFormat != time.RFC3339 {
		t.Errorf("default time format = %q", cfg.TimeFormat)
	}
	if cfg.Pretty || cfg.LogToFile {
		t.Error("pretty and file sinks default off")
	}
	if cfg.LogDir != "/tmp" {
		t.Errorf("default log dir = %q", cfg.LogDir)
	}
}

func TestInitZeroConfig(t *testing.T) {
	// A zero-valued config must not panic; missing fields fall back to the
	// stderr/RFC3339 defaults.
	Init(Config{})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().Msg("still alive")
}
