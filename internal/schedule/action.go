package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action is an opaque reference to an executable unit.
// Kind selects the handler; Payload is handed to it untouched.
type Action struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// State is the lifecycle position of a ScheduledAction.
type State int

const (
	StatePending State = iota
	StateActive
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further run can happen.
func (s State) Terminal() bool { return s == StateCompleted || s == StateCancelled }

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pending":
		return StatePending, true
	case "active":
		return StateActive, true
	case "completed":
		return StateCompleted, true
	case "cancelled", "canceled":
		return StateCancelled, true
	default:
		return StatePending, false
	}
}

// ScheduledAction is an action plus its recurrence metadata and run bookkeeping.
type ScheduledAction struct {
	Action Action

	// Start is nil when the action should start shortly after process start.
	Start *time.Time

	// IntervalCount == 0 means the action runs once.
	IntervalCount  int
	IntervalPeriod Period

	// LastRun is the last attempted run; zero when never run.
	LastRun time.Time
	State   State

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ID is shorthand for sa.Action.ID.
func (sa *ScheduledAction) ID() string { return sa.Action.ID }

func (sa *ScheduledAction) SetStart(t time.Time) {
	if t.IsZero() {
		sa.Start = nil
		return
	}
	st := t
	sa.Start = &st
}

func (sa *ScheduledAction) SetIntervalCount(n int)     { sa.IntervalCount = n }
func (sa *ScheduledAction) SetIntervalPeriod(p Period) { sa.IntervalPeriod = p }

// SetInterval sets count and period together; the zero Interval clears recurrence.
func (sa *ScheduledAction) SetInterval(iv Interval) {
	sa.IntervalCount = iv.Count
	sa.IntervalPeriod = iv.Period
}

func (sa *ScheduledAction) Interval() Interval {
	return Interval{Count: sa.IntervalCount, Period: sa.IntervalPeriod}
}

// Repeating reports whether an interval is configured.
func (sa *ScheduledAction) Repeating() bool { return sa.IntervalCount > 0 }

// Validate checks the invariants of the definition. It never defaults a
// missing field.
func (sa *ScheduledAction) Validate() error {
	if strings.TrimSpace(sa.Action.ID) == "" {
		return configErr("id", "required")
	}
	if strings.TrimSpace(sa.Action.Kind) == "" {
		return configErr("kind", "required")
	}
	if sa.IntervalCount < 0 {
		return configErr("interval_count", "must be > 0")
	}
	if sa.IntervalPeriod != PeriodNone && !sa.IntervalPeriod.Valid() {
		return configErr("interval_period", "unknown period")
	}
	if sa.IntervalCount > 0 && sa.IntervalPeriod == PeriodNone {
		return configErr("interval_period", "required when interval_count is set")
	}
	if sa.IntervalCount == 0 && sa.IntervalPeriod != PeriodNone {
		return configErr("interval_count", "must be > 0")
	}
	if limit := sa.IntervalPeriod.MaxCount(); sa.IntervalCount > limit {
		return configErr("interval_count", fmt.Sprintf("must be <= %d for %s", limit, sa.IntervalPeriod))
	}
	return nil
}

// MarkRun records an attempted run at the given instant and applies the
// Pending -> Active/Completed transition. Terminal states are left alone.
func (sa *ScheduledAction) MarkRun(at time.Time) {
	if sa.State.Terminal() {
		return
	}
	sa.LastRun = at
	if sa.Repeating() {
		sa.State = StateActive
	} else {
		sa.State = StateCompleted
	}
}

// Cancel moves the action to Cancelled from any state.
func (sa *ScheduledAction) Cancel() { sa.State = StateCancelled }
