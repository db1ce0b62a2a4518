package logger

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestDebugSuppressedUnlessEnabled(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	defer SetDebug(false)

	SetDebug(false)
	Debug("hidden %d", 1)
	if buf.Len() != 0 {
		t.Fatalf("debug line written while disabled: %q", buf.String())
	}

	SetDebug(true)
	Debug("shown %d", 2)
	if !strings.Contains(buf.String(), "DEBUG shown 2") {
		t.Errorf("missing debug line, got %q", buf.String())
	}
}

func TestLevelsTagged(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Info("a")
	Warn("b")
	Error("c")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %q", len(lines), buf.String())
	}
	for i, want := range []string{"INFO  a", "WARN  b", "ERROR c"} {
		if !strings.HasSuffix(lines[i], want) {
			t.Errorf("line %d = %q, want suffix %q", i, lines[i], want)
		}
	}
}
