// Package scheduler evaluates stored scheduled actions on a poll tick.
//
// Execution is delegated to the task engine. The scheduler is responsible only for:
//   - registering, cancelling and removing scheduled actions in the store
//   - deciding which actions are due at each tick
//   - enqueueing due actions and recording lastRun on acceptance
package scheduler
