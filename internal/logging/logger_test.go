package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_EmptyPathIsNop(t *testing.T) {
	l, err := New("", slog.LevelInfo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("dropped")
	if err := l.Close(); err != nil {
		t.Errorf("Close on nop logger: %v", err)
	}
}

func TestNew_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vigil.log")
	l, err := New(path, slog.LevelDebug)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Component("detect").Info("flag raised", "severity", "critical")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{"log started", "component=detect", "severity=critical"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestNewWriter_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, slog.LevelWarn)
	l.Info("quiet")
	l.Warn("loud")
	if strings.Contains(buf.String(), "quiet") {
		t.Error("info record written below warn level")
	}
	if !strings.Contains(buf.String(), "loud") {
		t.Error("warn record missing")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	var nilLogger *Logger
	nilLogger.Component("x").Info("safe")
	if err := nilLogger.Close(); err != nil {
		t.Errorf("Close on nil logger: %v", err)
	}
}
