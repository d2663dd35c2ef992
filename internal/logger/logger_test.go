package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("ParseLevel(verbose) expected error")
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Pipeline", "hidden %d", 1)
	l.Warn("Pipeline", "visible %d", 2)
	_ = l.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info message leaked at WARN level: %q", out)
	}
	if !strings.Contains(out, "visible 2") {
		t.Fatalf("warn message missing: %q", out)
	}
	if !strings.Contains(out, "Pipeline") {
		t.Fatalf("module name missing: %q", out)
	}
}

func TestLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(INFO, &buf, false)

	l.SetLevel(SILENT)
	l.Error("Swap", "should not appear")
	if buf.Len() != 0 {
		t.Fatalf("SILENT logger wrote %q", buf.String())
	}

	l.SetLevel(DEBUG)
	l.Debug("Swap", "now visible")
	_ = l.Sync()
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("debug message missing after SetLevel: %q", buf.String())
	}
	if l.GetLevel() != DEBUG {
		t.Fatalf("GetLevel() = %s", l.GetLevel())
	}
}
