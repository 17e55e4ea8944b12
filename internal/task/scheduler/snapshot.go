package scheduler

import (
	"context"
	"time"

	"recurd/internal/schedule"
)

// Snapshot lists stored actions with their next run time for diagnostics.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	ticks := s.ticks
	lastTick := s.lastTick
	var pollNext time.Time
	if s.c != nil && s.entryID != 0 {
		pollNext = s.c.Entry(s.entryID).Next
	}
	s.mu.Unlock()

	poll := cfg.Poll
	if poll == "" {
		poll = DefaultPoll
	}
	snap := Snapshot{
		Enabled:      cfg.Enabled,
		Timezone:     loc.String(),
		Poll:         poll,
		ProcessStart: s.processStart,
		Ticks:        ticks,
		LastTick:     lastTick,
		PollNext:     pollNext,
	}

	list, err := s.store.ListActions(ctx)
	if err != nil {
		return snap, err
	}
	for _, sa := range list {
		it := ScheduleInfo{
			ID:       sa.ID(),
			Kind:     sa.Action.Kind,
			Interval: sa.Interval().String(),
			State:    sa.State.String(),
			Start:    sa.Start,
			LastRun:  sa.LastRun,
		}
		if !sa.LastRun.IsZero() {
			sa.LastRun = sa.LastRun.In(loc)
			it.LastRun = sa.LastRun
		}
		it.Next, it.HasNext = schedule.NextRunTimeFrom(sa, sa.LastRun, s.effectiveStart(sa))
		if s.exec != nil {
			it.Running = s.exec.Running(sa.ID())
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap, nil
}
