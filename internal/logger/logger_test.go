package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		" info ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	log := New(Config{Level: "debug", Path: path})
	log.Debug("stream connected", "url", "ws://localhost/events")
	log.Info("batch updated", "batch", "b1")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "stream connected") || !strings.Contains(out, "batch=b1") {
		t.Fatalf("unexpected log contents: %q", out)
	}
}

func TestFileLoggerRespectsLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	log := New(Config{Level: "warn", Path: path})
	log.Info("suppressed")
	log.Warn("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "suppressed") {
		t.Fatalf("info line should have been filtered: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestColorTextHandlerPrefixesLevel(t *testing.T) {
	var buf strings.Builder
	log := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	log.Warn("fallback engaged")

	out := buf.String()
	if !strings.Contains(out, "\033[33m") {
		t.Fatalf("warn line missing color code: %q", out)
	}
	if !strings.Contains(out, "fallback engaged") {
		t.Fatalf("message missing: %q", out)
	}
}

func TestWriterDefaults(t *testing.T) {
	c := Config{Path: filepath.Join(t.TempDir(), "agent.log")}
	w := c.Writer()
	defer func() { _ = w.Close() }()
	if _, err := w.Write([]byte("rotated\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(c.Path); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}
