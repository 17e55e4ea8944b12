package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recurd/internal/eventbus"
	"recurd/internal/schedule"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

// ActionFired is the payload of eventbus.ActionFired.
type ActionFired struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	At       time.Time `json:"at"`
	Interval string    `json:"interval,omitempty"`
	Next     time.Time `json:"next,omitempty"`
}

// Tick evaluates every stored action once at the clock's current instant.
//
// A due action is enqueued on the executor. When the executor accepts it,
// lastRun is set to the tick instant and persisted, so execution failures
// never rewind it. A rejected enqueue (queue full, engine stopped) leaves
// lastRun alone and the action is evaluated again on the next tick.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	loc := s.location()
	now := s.clock.Now().In(loc)
	rep := TickReport{At: now}

	list, err := s.store.ListActions(ctx)
	if err != nil {
		return rep, fmt.Errorf("scheduler: list actions: %w", err)
	}

	for _, sa := range list {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if sa.State.Terminal() {
			continue
		}
		rep.Evaluated++
		if !sa.LastRun.IsZero() {
			// Calendar months advance in the scheduler's zone.
			sa.LastRun = sa.LastRun.In(loc)
		}
		res := schedule.Evaluate(sa, now, s.effectiveStart(sa))
		if !res.Due {
			continue
		}
		rep.Due++

		switch err := s.dispatch(ctx, sa, now); {
		case err == nil:
			rep.Enqueued++
		case errors.Is(err, engine.ErrOverlapSkip), errors.Is(err, engine.ErrCircuitOpen):
			rep.Skipped++
		default:
			rep.Failed++
		}
	}

	s.mu.Lock()
	s.ticks++
	s.lastTick = now
	s.mu.Unlock()

	if rep.Due > 0 {
		s.log.Debug("scheduler tick",
			logx.Int("evaluated", rep.Evaluated),
			logx.Int("due", rep.Due),
			logx.Int("enqueued", rep.Enqueued),
			logx.Int("skipped", rep.Skipped),
			logx.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}

// dispatch hands one due action to the executor and records the run.
func (s *Service) dispatch(ctx context.Context, sa *schedule.ScheduledAction, now time.Time) error {
	if s.exec == nil || s.runners == nil {
		return engine.ErrDisabled
	}
	run, err := s.runners.Runner(sa.Action)
	if err != nil {
		s.reportEnqueueError(sa.ID(), err)
		return err
	}

	cfg := s.config()
	task := engine.Task{
		Name:    "action." + sa.Action.Kind,
		Key:     sa.ID(),
		Timeout: cfg.ActionTimeout,
		Run:     run,
		Opt:     engine.TaskOptions{Exclusive: true},
	}
	if !sa.Repeating() {
		id := sa.ID()
		task.OnDrop = func() { s.rearm(id, now) }
	}
	err = s.exec.Enqueue(task)

	// A repeating action whose previous run is still in flight, or whose
	// circuit is open, gives up this occurrence instead of retrying every tick.
	consumed := err == nil || sa.Repeating() && (errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrCircuitOpen))
	if err != nil {
		s.reportEnqueueError(sa.ID(), err)
	}
	if !consumed {
		return err
	}

	sa.MarkRun(now)
	sa.UpdatedAt = now
	if serr := s.store.SaveAction(ctx, sa); serr != nil {
		s.log.Error("failed to record last run", logx.String("id", sa.ID()), logx.Err(serr))
		if err == nil {
			err = serr
		}
		return err
	}

	if err == nil && s.bus != nil {
		ev := ActionFired{ID: sa.ID(), Kind: sa.Action.Kind, At: now, Interval: sa.Interval().String()}
		if next, ok := schedule.NextRunTime(sa, sa.LastRun); ok {
			ev.Next = next
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.ActionFired, Time: now, Data: ev})
	}
	return err
}

// rearmTimeout bounds the store round trip of rearm.
const rearmTimeout = 5 * time.Second

// rearm undoes the run recorded at firedAt for a one-shot action whose task
// was discarded before it started, so the next tick fires it again.
func (s *Service) rearm(id string, firedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), rearmTimeout)
	defer cancel()

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	sa, err := s.store.LoadAction(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("failed to re-arm dropped action", logx.String("id", id), logx.Err(err))
		}
		return
	}
	// Cancelled, re-registered or already re-armed in the meantime.
	if sa.Repeating() || sa.State != schedule.StateCompleted || !sa.LastRun.Equal(firedAt) {
		return
	}
	sa.LastRun = time.Time{}
	sa.State = schedule.StatePending
	sa.UpdatedAt = s.clock.Now()
	if err := s.store.SaveAction(ctx, sa); err != nil {
		s.log.Warn("failed to re-arm dropped action", logx.String("id", id), logx.Err(err))
		return
	}
	s.log.Info("one-shot action re-armed after its task was dropped", logx.String("id", id))
}

// effectiveStart is the configured start, or process start plus the
// action's deterministic startup offset.
func (s *Service) effectiveStart(sa *schedule.ScheduledAction) time.Time {
	if sa.Start != nil {
		return *sa.Start
	}
	return s.processStart.Add(startupOffset(sa.ID(), s.config().StartupSpread))
}
