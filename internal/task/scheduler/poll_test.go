package scheduler

import (
	"testing"
	"time"
)

func TestParsePoll(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 1, 31, 10, 0, 5, 0, time.UTC)
	tests := []struct {
		raw  string
		next time.Time
	}{
		{raw: "30s", next: from.Add(30 * time.Second)},
		{raw: "@every 1m", next: from.Add(time.Minute)},
		{raw: "*/20 * * * * *", next: time.Date(2024, 1, 31, 10, 0, 20, 0, time.UTC)},
		{raw: "*/5 * * * *", next: time.Date(2024, 1, 31, 10, 5, 0, 0, time.UTC)},
		{raw: "@hourly", next: time.Date(2024, 1, 31, 11, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		sched, err := ParsePoll(tc.raw)
		if err != nil {
			t.Fatalf("ParsePoll(%q): %v", tc.raw, err)
		}
		if got := sched.Next(from); !got.Equal(tc.next) {
			t.Fatalf("ParsePoll(%q).Next = %s, want %s", tc.raw, got, tc.next)
		}
	}
}

func TestParsePollInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "whenever", "0s", "-5m", "500ms", "@sometimes", "* * *"} {
		if _, err := ParsePoll(raw); err == nil {
			t.Fatalf("ParsePoll(%q): expected error", raw)
		}
	}
}

func TestStartupOffset(t *testing.T) {
	t.Parallel()
	if got := startupOffset("a1", 0); got != 0 {
		t.Fatalf("zero spread offset = %v", got)
	}
	a := startupOffset("a1", time.Minute)
	if a < 0 || a >= time.Minute {
		t.Fatalf("offset %v outside [0,1m)", a)
	}
	if b := startupOffset("a1", time.Minute); a != b {
		t.Fatalf("offset not stable: %v vs %v", a, b)
	}
	if got := startupOffset("a1", time.Hour); got >= maxStartupSpread {
		t.Fatalf("offset %v not capped", got)
	}
}
