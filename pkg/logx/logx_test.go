package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in, LevelInfo); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "test"))
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	log.Info("fired", Int("n", 2), Err(errors.New("boom")), TimePtr("next", nil), TimePtr("at", &at))
	log.Trace("dropped")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["comp"] != "test" || m["n"] != float64(2) || m["err"] != "boom" || m["message"] != "fired" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if _, ok := m["next"]; ok {
		t.Fatalf("nil time should be omitted")
	}
	if _, ok := m["at"]; !ok {
		t.Fatalf("missing at")
	}
	if !strings.HasPrefix(m["caller"].(string), "logx_test.go:") {
		t.Fatalf("caller: %v", m["caller"])
	}
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("hidden")
	log.Info("visible")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("now visible")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") || !strings.Contains(out, "visible") || !strings.Contains(out, "now visible") {
		t.Fatalf("unexpected log file: %s", out)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatalf("Nop is not the zero value")
	}
}
