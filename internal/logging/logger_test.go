package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "json").WithRun("run-1").WithStage("vcs_analysis")
	l.Info("stage finished", "status", "completed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}
	for k, want := range map[string]string{
		"msg":    "stage finished",
		"run_id": "run-1",
		"stage":  "vcs_analysis",
		"status": "completed",
	} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %q", k, entry[k], want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "text")
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("debug/info should be filtered: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn should be logged: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewFileAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "testforge.log")
	l, err := NewFile(path, "debug")
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	l.WithRun("r").Debug("hello")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file = %s", data)
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing to see")
	if l.With() != l {
		t.Error("With() without args should return the same logger")
	}
}
