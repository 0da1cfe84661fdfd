package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestConsoleLogger_Levels(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, false)

	l.Info("synced to %s", "time.google.com")
	l.Warning("fallback latency %dms", 300)
	l.Error("boom")

	out := buf.String()
	for _, want := range []string{"[INFO] synced to time.google.com", "[WARNING] fallback latency 300ms", "[ERROR] boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConsoleLogger_QuietDropsInfo(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, true)

	l.Info("hidden")
	l.Warning("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("quiet logger wrote info line: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("quiet logger dropped warning: %s", out)
	}
}

func TestFileLogger_AppendsAndCloses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("first")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	l, err = NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	l.Error("second")
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[INFO] first") || !strings.Contains(string(data), "[ERROR] second") {
		t.Errorf("unexpected log contents:\n%s", data)
	}
}

func TestMultiLogger_FansOut(t *testing.T) {
	a, b := NewMockLogger(), NewMockLogger()
	m := NewMultiLogger(a, b, NewNopLogger())

	m.Info("i %d", 1)
	m.Warning("w")
	m.Error("e")
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	for _, l := range []*MockLogger{a, b} {
		if len(l.InfoCalls) != 1 || l.InfoCalls[0] != "i 1" {
			t.Errorf("info calls = %v", l.InfoCalls)
		}
		if len(l.Warnings()) != 1 || len(l.Errors()) != 1 {
			t.Errorf("warnings=%v errors=%v", l.Warnings(), l.Errors())
		}
		if !l.CloseCalled {
			t.Error("Close not propagated")
		}
	}
}
