package app

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"recurd/internal/eventbus"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

// runLogBuffer is the bus subscription depth. Bursts beyond it are dropped
// by the bus rather than stalling workers.
const runLogBuffer = 256

// runRecord converts an engine lifecycle event into a run log entry. ok is
// false for topics that are not recorded (task.started, action.fired).
func runRecord(e eventbus.Event) (storage.RunRecord, bool) {
	ev, isTask := e.Data.(engine.TaskEvent)
	if !isTask || strings.TrimSpace(ev.Key) == "" {
		return storage.RunRecord{}, false
	}
	var outcome string
	switch e.Type {
	case eventbus.TaskFinished:
		outcome = storage.OutcomeFinished
	case eventbus.TaskFailed:
		outcome = storage.OutcomeFailed
	case eventbus.TaskSkipped:
		outcome = storage.OutcomeSkipped
	case eventbus.TaskDropped:
		outcome = storage.OutcomeDropped
	default:
		return storage.RunRecord{}, false
	}
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	return storage.RunRecord{
		ID:         id,
		ActionID:   ev.Key,
		Outcome:    outcome,
		Started:    ev.Started,
		Duration:   ev.Duration,
		QueueDelay: ev.QueueDelay,
		Attempts:   ev.Attempts,
		Error:      ev.Error,
	}, true
}

// recordRuns appends engine outcomes read from events to the store until
// ctx is done.
func recordRuns(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			rec, ok := runRecord(e)
			if !ok {
				continue
			}
			if err := store.AppendRun(ctx, rec); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn("run log append failed",
					logx.String("action", rec.ActionID),
					logx.String("outcome", rec.Outcome),
					logx.Err(err),
				)
			}
		}
	}
}
