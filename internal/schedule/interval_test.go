package schedule

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestIntervalRoundTrip(t *testing.T) {
	t.Parallel()
	for _, p := range Periods {
		for _, n := range []int{1, 2, 7, 15, 120, 99999} {
			s, err := FormatInterval(n, p)
			if err != nil {
				t.Fatalf("FormatInterval(%d, %s) error: %v", n, p, err)
			}
			gotN, gotP, err := ParseInterval(s)
			if err != nil {
				t.Fatalf("ParseInterval(%q) error: %v", s, err)
			}
			if gotN != n || gotP != p {
				t.Fatalf("ParseInterval(%q) = (%d, %s), want (%d, %s)", s, gotN, gotP, n, p)
			}
		}
	}
}

func TestParseIntervalCaseSensitive(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw    string
		count  int
		period Period
	}{
		{raw: "1M", count: 1, period: PeriodMonth},
		{raw: "1m", count: 1, period: PeriodMinute},
		{raw: "2W", count: 2, period: PeriodWeek},
		{raw: "3D", count: 3, period: PeriodDay},
		{raw: "12h", count: 12, period: PeriodHour},
	}
	for _, tt := range tests {
		n, p, err := ParseInterval(tt.raw)
		if err != nil {
			t.Fatalf("ParseInterval(%q) error: %v", tt.raw, err)
		}
		if n != tt.count || p != tt.period {
			t.Fatalf("ParseInterval(%q) = (%d, %s), want (%d, %s)", tt.raw, n, p, tt.count, tt.period)
		}
	}
}

func TestParseIntervalInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"5X", "", "M", "1", "1d", "1H", "1w", " 1M", "1M ", "-1M", "1.5h", "1MM", "99999999999999999999999M"} {
		_, _, err := ParseInterval(raw)
		if err == nil {
			t.Fatalf("ParseInterval(%q): expected error", raw)
		}
		if !errors.Is(err, ErrFormat) {
			t.Fatalf("ParseInterval(%q): error %v is not ErrFormat", raw, err)
		}
		var fe *FormatError
		if !errors.As(err, &fe) || fe.Input != raw {
			t.Fatalf("ParseInterval(%q): want *FormatError with input, got %#v", raw, err)
		}
	}
}

func TestFormatIntervalInvalid(t *testing.T) {
	t.Parallel()
	if _, err := FormatInterval(0, PeriodDay); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("zero count: want ErrConfiguration, got %v", err)
	}
	if _, err := FormatInterval(3, PeriodNone); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("no period: want ErrConfiguration, got %v", err)
	}
}

func TestIntervalText(t *testing.T) {
	t.Parallel()
	var iv Interval
	if err := iv.UnmarshalText([]byte("6h")); err != nil {
		t.Fatalf("UnmarshalText error: %v", err)
	}
	if iv != (Interval{Count: 6, Period: PeriodHour}) {
		t.Fatalf("unexpected interval: %+v", iv)
	}
	b, err := iv.MarshalText()
	if err != nil || string(b) != "6h" {
		t.Fatalf("MarshalText = %q, %v", b, err)
	}
	if err := iv.UnmarshalText(nil); err != nil || !iv.IsZero() {
		t.Fatalf("empty text should give zero interval, got %+v, %v", iv, err)
	}
	if err := iv.UnmarshalText([]byte("5X")); !errors.Is(err, ErrFormat) {
		t.Fatalf("want ErrFormat, got %v", err)
	}
}

func TestComputeIntervalFixed(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		count  int
		period Period
		want   time.Duration
	}{
		{count: 1, period: PeriodMinute, want: 60_000 * time.Millisecond},
		{count: 1, period: PeriodHour, want: 3_600_000 * time.Millisecond},
		{count: 1, period: PeriodDay, want: 86_400_000 * time.Millisecond},
		{count: 1, period: PeriodWeek, want: 604_800_000 * time.Millisecond},
		{count: 2, period: PeriodWeek, want: 1_209_600_000 * time.Millisecond},
		{count: 90, period: PeriodMinute, want: 90 * time.Minute},
	}
	for _, tt := range tests {
		got := ComputeInterval(tt.count, tt.period, anchor)
		if got != tt.want {
			t.Fatalf("ComputeInterval(%d, %s) = %v, want %v", tt.count, tt.period, got, tt.want)
		}
	}
	if got := anchor.Add(ComputeInterval(2, PeriodWeek, anchor)); got.Sub(anchor).Milliseconds() != 1_209_600_000 {
		t.Fatalf("2W after anchor = %v", got)
	}
}

func TestComputeIntervalSaturates(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		count  int
		period Period
	}{
		{count: 20000, period: PeriodWeek},
		{count: 106752, period: PeriodDay},
		{count: 2562048, period: PeriodHour},
		{count: 153722868, period: PeriodMinute},
		{count: 1 << 40, period: PeriodMonth},
	}
	for _, tt := range tests {
		got := ComputeInterval(tt.count, tt.period, anchor)
		if got != time.Duration(math.MaxInt64) {
			t.Fatalf("ComputeInterval(%d, %s) = %v, want saturated", tt.count, tt.period, got)
		}
	}
	for _, p := range Periods {
		if got := ComputeInterval(p.MaxCount(), p, anchor); got <= 0 {
			t.Fatalf("ComputeInterval(MaxCount, %s) = %v, want positive", p, got)
		}
		if !p.Advance(anchor, p.MaxCount()+1).After(anchor) {
			t.Fatalf("Advance past MaxCount for %s did not move forward", p)
		}
	}
}

func TestComputeIntervalFixedIgnoresDST(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2024-03-10 is a 23h wall-clock day in New York; Day stays 24h.
	anchor := time.Date(2024, 3, 9, 12, 0, 0, 0, loc)
	if got := ComputeInterval(1, PeriodDay, anchor); got != 24*time.Hour {
		t.Fatalf("Day across DST = %v, want 24h", got)
	}
}

func TestComputeIntervalMonth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		anchor time.Time
		count  int
		want   time.Time
	}{
		{
			name:   "jan31 leap year clamps to feb29",
			anchor: time.Date(2024, 1, 31, 9, 30, 0, 0, time.UTC),
			count:  1,
			want:   time.Date(2024, 2, 29, 9, 30, 0, 0, time.UTC),
		},
		{
			name:   "jan31 non leap clamps to feb28",
			anchor: time.Date(2023, 1, 31, 9, 30, 0, 0, time.UTC),
			count:  1,
			want:   time.Date(2023, 2, 28, 9, 30, 0, 0, time.UTC),
		},
		{
			name:   "year boundary",
			anchor: time.Date(2023, 12, 15, 0, 0, 0, 0, time.UTC),
			count:  1,
			want:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "multi month over year end clamps",
			anchor: time.Date(2023, 10, 31, 23, 59, 0, 0, time.UTC),
			count:  4,
			want:   time.Date(2024, 2, 29, 23, 59, 0, 0, time.UTC),
		},
		{
			name:   "twelve months",
			anchor: time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC),
			count:  12,
			want:   time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC),
		},
		{
			name:   "mid month keeps day",
			anchor: time.Date(2024, 4, 10, 6, 0, 0, 0, time.UTC),
			count:  3,
			want:   time.Date(2024, 7, 10, 6, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := ComputeInterval(tt.count, PeriodMonth, tt.anchor)
			if got := tt.anchor.Add(d); !got.Equal(tt.want) {
				t.Fatalf("anchor + %dM = %v, want %v", tt.count, got, tt.want)
			}
		})
	}
}

func TestComputeIntervalMonthIsNotFixedWidth(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	if got := ComputeInterval(1, PeriodMonth, anchor); got == 30*24*time.Hour {
		t.Fatalf("month computed as fixed 30 days")
	}
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if ComputeInterval(1, PeriodMonth, feb) != 29*24*time.Hour {
		t.Fatalf("feb 2024 should be 29 days")
	}
	if ComputeInterval(1, PeriodMonth, mar) != 31*24*time.Hour {
		t.Fatalf("mar 2024 should be 31 days")
	}
}

func TestPeriodFixedDuration(t *testing.T) {
	t.Parallel()
	if _, ok := PeriodMonth.FixedDuration(); ok {
		t.Fatal("month must not have a fixed duration")
	}
	if _, ok := PeriodNone.FixedDuration(); ok {
		t.Fatal("none must not have a fixed duration")
	}
	if d, ok := PeriodWeek.FixedDuration(); !ok || d != 7*24*time.Hour {
		t.Fatalf("week = %v, %v", d, ok)
	}
}
