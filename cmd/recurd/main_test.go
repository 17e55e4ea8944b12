package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(context.Background(), args, &out, &errOut)
	return out.String(), err
}

func TestIntervalCommands(t *testing.T) {
	t.Parallel()

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"interval", "parse", "3M"}, "count=3 period=month\n"},
		{[]string{"interval", "parse", "15m"}, "count=15 period=minute\n"},
		{[]string{"interval", "format", "2", "weeks"}, "2W\n"},
		{[]string{"interval", "format", "1", "hour"}, "1h\n"},
		{
			[]string{"interval", "next", "1M", "--from", "2024-01-31T10:00:00Z", "--count", "3"},
			"2024-02-29T10:00:00Z\n2024-03-29T10:00:00Z\n2024-04-29T10:00:00Z\n",
		},
	}
	for _, tc := range cases {
		got, err := runCLI(t, tc.args...)
		if err != nil {
			t.Fatalf("%v: %v", tc.args, err)
		}
		if got != tc.want {
			t.Fatalf("%v: got %q, want %q", tc.args, got, tc.want)
		}
	}

	for _, args := range [][]string{
		{"interval", "parse", "3d"},
		{"interval", "parse", "M"},
		{"interval", "format", "0", "day"},
		{"interval", "format", "1", "fortnight"},
	} {
		if _, err := runCLI(t, args...); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}

func TestStoreCommands(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "recurd.toml")
	cfg := "[logging]\nlevel = \"error\"\n\n[scheduler]\ntimezone = \"UTC\"\n\n[storage]\ndriver = \"sqlite\"\npath = \"" +
		filepath.ToSlash(filepath.Join(dir, "recurd.db")) + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	id, err := runCLI(t, "--config", cfgPath, "add", "--id", "nightly", "--kind", "log",
		"--payload", `{"message":"hello"}`, "--start", "2024-01-31 22:00", "--every", "1D")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if strings.TrimSpace(id) != "nightly" {
		t.Fatalf("add printed %q", id)
	}
	if _, err := runCLI(t, "--config", cfgPath, "add", "--kind", "log", "--every", "1d"); err == nil {
		t.Fatal("lowercase day accepted")
	}
	if _, err := runCLI(t, "--config", cfgPath, "add", "--kind", "sms"); err == nil {
		t.Fatal("unknown kind accepted")
	}

	out, err := runCLI(t, "--config", cfgPath, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "nightly") || !strings.Contains(out, "1D") || !strings.Contains(out, "2024-01-31T22:00:00Z") {
		t.Fatalf("list output:\n%s", out)
	}

	if _, err := runCLI(t, "--config", cfgPath, "cancel", "nightly"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	out, _ = runCLI(t, "--config", cfgPath, "list")
	if !strings.Contains(out, "cancelled") {
		t.Fatalf("list after cancel:\n%s", out)
	}
	if _, err := runCLI(t, "--config", cfgPath, "resume", "nightly"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	out, _ = runCLI(t, "--config", cfgPath, "list")
	if strings.Contains(out, "cancelled") || !strings.Contains(out, "pending") {
		t.Fatalf("list after resume:\n%s", out)
	}

	if _, err := runCLI(t, "--config", cfgPath, "remove", "nightly"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := runCLI(t, "--config", cfgPath, "remove", "nightly"); err == nil {
		t.Fatal("second remove succeeded")
	}
	out, _ = runCLI(t, "--config", cfgPath, "list")
	if strings.Contains(out, "nightly") {
		t.Fatalf("removed action still listed:\n%s", out)
	}
}
