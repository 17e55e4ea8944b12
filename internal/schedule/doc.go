// Package schedule holds the recurrence rules for scheduled actions.
//
// It answers two questions for a ScheduledAction at a given instant:
//   - is it due now
//   - when is it due next
//
// The package is pure: no clocks, no I/O. Callers pass the current instant
// and the process start time explicitly.
package schedule
