package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	errVal, ok := m["err"]
	if !ok {
		errVal = m["error"]
	}
	if m["message"] != "hello" || m["comp"] != "test" || m["n"] != float64(3) || errVal != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled")
	}
	log.Log("error", "kept")
	if buf.Len() == 0 {
		t.Fatal("error not written")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing")
	Nop().With(String("a", "b")).Error("nothing")
}

func TestCronLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	cl := CronLogger(NewWriter(&buf, "debug"))
	cl.Error(errors.New("bad"), "job failed", "entry", 3)
	if !bytes.Contains(buf.Bytes(), []byte(`"entry":3`)) {
		t.Fatalf("missing key/value: %q", buf.String())
	}
}

func TestServiceApplySwapsFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()
	log.Info("one")
	log.Debug("hidden")

	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	log.Debug("two")

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !strings.Contains(string(a), `"one"`) || strings.Contains(string(a), "hidden") || strings.Contains(string(a), `"two"`) {
		t.Fatalf("first file = %q", a)
	}
	if !strings.Contains(string(b), `"two"`) {
		t.Fatalf("second file = %q", b)
	}

	if err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(dir, "missing", "c.log")}}); err == nil {
		t.Fatal("Apply with unwritable path should fail")
	}
	log.Info("still logging")
}
