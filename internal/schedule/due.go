package schedule

import "time"

// Result is the outcome of evaluating a ScheduledAction at an instant.
type Result struct {
	Due bool
	// Next is the instant at or after which the action becomes due (again).
	// It is meaningful only when HasNext is true.
	Next    time.Time
	HasNext bool
}

// EffectiveStart returns the configured start, or processStart when none is set.
func EffectiveStart(sa *ScheduledAction, processStart time.Time) time.Time {
	if sa.Start != nil {
		return *sa.Start
	}
	return processStart
}

// IsDue reports whether sa should fire at now.
//
// processStart stands in for the start date of actions that have none.
func IsDue(sa *ScheduledAction, now, processStart time.Time) bool {
	if sa == nil || sa.State.Terminal() {
		return false
	}
	if now.Before(EffectiveStart(sa, processStart)) {
		return false
	}
	if sa.LastRun.IsZero() {
		return true
	}
	if !sa.Repeating() {
		return false
	}
	next := sa.LastRun.Add(ComputeInterval(sa.IntervalCount, sa.IntervalPeriod, sa.LastRun))
	return !now.Before(next)
}

// NextRunTime returns the next due instant given the last run.
//
// It reports false when the action is non-repeating and already ran, when it
// is cancelled, or when it never ran and has no start date (its first run is
// relative to process start; see NextRunTimeFrom).
func NextRunTime(sa *ScheduledAction, lastRun time.Time) (time.Time, bool) {
	if sa == nil || sa.Start == nil && lastRun.IsZero() {
		return time.Time{}, false
	}
	return NextRunTimeFrom(sa, lastRun, time.Time{})
}

// NextRunTimeFrom is NextRunTime with an explicit process start for actions
// without a start date.
func NextRunTimeFrom(sa *ScheduledAction, lastRun, processStart time.Time) (time.Time, bool) {
	if sa == nil || sa.State == StateCancelled {
		return time.Time{}, false
	}
	if lastRun.IsZero() {
		if sa.State == StateCompleted {
			return time.Time{}, false
		}
		return EffectiveStart(sa, processStart), true
	}
	if !sa.Repeating() {
		return time.Time{}, false
	}
	return lastRun.Add(ComputeInterval(sa.IntervalCount, sa.IntervalPeriod, lastRun)), true
}

// Evaluate combines IsDue and NextRunTimeFrom using sa.LastRun.
func Evaluate(sa *ScheduledAction, now, processStart time.Time) Result {
	next, ok := NextRunTimeFrom(sa, sa.LastRun, processStart)
	return Result{
		Due:     IsDue(sa, now, processStart),
		Next:    next,
		HasNext: ok,
	}
}
