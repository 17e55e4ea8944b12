package schedule

import (
	"math"
	"regexp"
	"strconv"
	"time"
)

var reInterval = regexp.MustCompile(`^\d+[MWDhm]$`)

// Interval is a recurrence count paired with its period.
// The zero value means "no recurrence".
type Interval struct {
	Count  int
	Period Period
}

func (iv Interval) IsZero() bool { return iv.Count == 0 && iv.Period == PeriodNone }

// String returns the canonical <count><letter> form, or "" for an invalid interval.
func (iv Interval) String() string {
	s, err := FormatInterval(iv.Count, iv.Period)
	if err != nil {
		return ""
	}
	return s
}

// MarshalText encodes the canonical form. The zero Interval encodes as "".
func (iv Interval) MarshalText() ([]byte, error) {
	if iv.IsZero() {
		return []byte{}, nil
	}
	s, err := FormatInterval(iv.Count, iv.Period)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// UnmarshalText decodes the canonical form. An empty input yields the zero Interval.
func (iv *Interval) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*iv = Interval{}
		return nil
	}
	c, p, err := ParseInterval(string(b))
	if err != nil {
		return err
	}
	*iv = Interval{Count: c, Period: p}
	return nil
}

// Duration is ComputeInterval anchored at anchor.
func (iv Interval) Duration(anchor time.Time) time.Duration {
	return ComputeInterval(iv.Count, iv.Period, anchor)
}

// FormatInterval encodes (count, period) as <count><letter>.
func FormatInterval(count int, period Period) (string, error) {
	if !period.Valid() {
		return "", configErr("interval_period", "period required")
	}
	if count <= 0 {
		return "", configErr("interval_count", "must be > 0")
	}
	return strconv.Itoa(count) + string(period.Letter()), nil
}

// ParseInterval decodes <count><letter>. Letters are case-sensitive:
// M=month, W=week, D=day, h=hour, m=minute.
//
// A string that matches the grammar but carries a zero count, or a count
// above Period.MaxCount, is returned as is; Validate rejects it when it is
// attached to a ScheduledAction. A count too large for an int is a
// FormatError even though it matches the grammar.
func ParseInterval(s string) (count int, period Period, err error) {
	if !reInterval.MatchString(s) {
		return 0, PeriodNone, &FormatError{Input: s}
	}
	n, convErr := strconv.Atoi(s[:len(s)-1])
	if convErr != nil {
		// Digits only, so the only failure left is overflow.
		return 0, PeriodNone, &FormatError{Input: s}
	}
	p, _ := PeriodForLetter(s[len(s)-1])
	return n, p, nil
}

// ComputeInterval returns the length of count periods starting at anchor.
//
// Fixed periods ignore anchor. Month is measured on the calendar from anchor,
// so the result must be recomputed for every anchor and never cached. Counts
// above Period.MaxCount saturate at the longest time.Duration.
func ComputeInterval(count int, period Period, anchor time.Time) time.Duration {
	if count <= 0 || !period.Valid() {
		return 0
	}
	if count > period.MaxCount() {
		return time.Duration(math.MaxInt64)
	}
	if d, ok := period.FixedDuration(); ok {
		return time.Duration(count) * d
	}
	return period.Advance(anchor, count).Sub(anchor)
}
