package schedule

import (
	"math"
	"time"
)

// Period is the unit an interval count is measured in.
//
// Minute, Hour, Day and Week have a fixed width. Month does not: it is
// advanced on the calendar, so its width depends on the anchor.
type Period int

const (
	PeriodNone Period = iota
	PeriodMinute
	PeriodHour
	PeriodDay
	PeriodWeek
	PeriodMonth
)

// Periods lists the valid periods, shortest first.
var Periods = []Period{PeriodMinute, PeriodHour, PeriodDay, PeriodWeek, PeriodMonth}

func (p Period) Valid() bool { return p >= PeriodMinute && p <= PeriodMonth }

func (p Period) String() string {
	switch p {
	case PeriodMinute:
		return "minute"
	case PeriodHour:
		return "hour"
	case PeriodDay:
		return "day"
	case PeriodWeek:
		return "week"
	case PeriodMonth:
		return "month"
	default:
		return "none"
	}
}

// Letter returns the persisted letter. M (month) and m (minute) differ only by case.
func (p Period) Letter() byte {
	switch p {
	case PeriodMinute:
		return 'm'
	case PeriodHour:
		return 'h'
	case PeriodDay:
		return 'D'
	case PeriodWeek:
		return 'W'
	case PeriodMonth:
		return 'M'
	default:
		return 0
	}
}

// PeriodForLetter is the inverse of Letter. Matching is case-sensitive.
func PeriodForLetter(c byte) (Period, bool) {
	switch c {
	case 'm':
		return PeriodMinute, true
	case 'h':
		return PeriodHour, true
	case 'D':
		return PeriodDay, true
	case 'W':
		return PeriodWeek, true
	case 'M':
		return PeriodMonth, true
	default:
		return PeriodNone, false
	}
}

// FixedDuration returns the width of one period. ok is false for Month and
// for PeriodNone.
func (p Period) FixedDuration() (d time.Duration, ok bool) {
	switch p {
	case PeriodMinute:
		return time.Minute, true
	case PeriodHour:
		return time.Hour, true
	case PeriodDay:
		return 24 * time.Hour, true
	case PeriodWeek:
		return 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// maxMonths is 292 years, the longest calendar span that fits in a
// time.Duration whatever the anchor.
const maxMonths = 292 * 12

// MaxCount is the largest count whose span fits in a time.Duration. It is 0
// for PeriodNone.
func (p Period) MaxCount() int {
	if p == PeriodMonth {
		return maxMonths
	}
	d, ok := p.FixedDuration()
	if !ok {
		return 0
	}
	return int(math.MaxInt64 / int64(d))
}

// Advance moves anchor forward by count periods. Counts above MaxCount are
// treated as MaxCount.
//
// Month keeps the wall-clock time and location of anchor and clamps the day
// to the last day of the target month: Jan 31 + 1 month is Feb 29 in a leap
// year and Feb 28 otherwise.
func (p Period) Advance(anchor time.Time, count int) time.Time {
	count = min(count, p.MaxCount())
	if p == PeriodMonth {
		return addMonths(anchor, count)
	}
	d, ok := p.FixedDuration()
	if !ok {
		return anchor
	}
	return anchor.Add(time.Duration(count) * d)
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	// Normalize the target month without letting time.Date overflow the day.
	total := int(m) - 1 + n
	ty := y + floorDiv(total, 12)
	tm := time.Month(floorMod(total, 12) + 1)

	if last := daysIn(ty, tm); d > last {
		d = last
	}
	return time.Date(ty, tm, d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month) int {
	// Day 0 of the following month is the last day of m.
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}
