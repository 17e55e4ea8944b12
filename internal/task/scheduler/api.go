package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"recurd/internal/schedule"
	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

// Register validates sa and upserts it into the store.
//
// Updating an existing action keeps CreatedAt, LastRun and State. A
// Completed or Cancelled action whose start or interval changed is re-armed
// as Pending with no last run.
func (s *Service) Register(ctx context.Context, sa *schedule.ScheduledAction) error {
	if sa == nil {
		return errors.New("scheduler: nil action")
	}
	sa.Action.ID = strings.TrimSpace(sa.Action.ID)
	if err := sa.Validate(); err != nil {
		return err
	}
	if s.runners != nil {
		if _, err := s.runners.Runner(sa.Action); err != nil {
			return err
		}
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.clock.Now()
	prev, err := s.store.LoadAction(ctx, sa.ID())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if sa.CreatedAt.IsZero() {
			sa.CreatedAt = now
		}
	case err != nil:
		return fmt.Errorf("scheduler: load %s: %w", sa.ID(), err)
	default:
		sa.CreatedAt = prev.CreatedAt
		if sa.LastRun.IsZero() {
			sa.LastRun = prev.LastRun
		}
		sa.State = prev.State
		if prev.State.Terminal() && definitionChanged(prev, sa) {
			sa.State = schedule.StatePending
			sa.LastRun = time.Time{}
		}
	}
	sa.UpdatedAt = now

	if err := s.store.SaveAction(ctx, sa); err != nil {
		return fmt.Errorf("scheduler: save %s: %w", sa.ID(), err)
	}
	s.log.Debug("action registered",
		logx.String("id", sa.ID()),
		logx.String("kind", sa.Action.Kind),
		logx.String("interval", sa.Interval().String()),
		logx.String("state", sa.State.String()),
	)
	return nil
}

// Cancel moves an action to Cancelled and keeps its record.
func (s *Service) Cancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	sa, err := s.store.LoadAction(ctx, id)
	if err != nil {
		return err
	}
	sa.Cancel()
	sa.UpdatedAt = s.clock.Now()
	if err := s.store.SaveAction(ctx, sa); err != nil {
		return fmt.Errorf("scheduler: cancel %s: %w", id, err)
	}
	s.log.Info("action cancelled", logx.String("id", sa.ID()))
	return nil
}

// Resume undoes Cancel. The action picks up from its last run: a repeating
// action becomes Active, a one-shot that already ran is Completed, and one
// that never ran is Pending again. Actions that are not cancelled are left
// alone. resumed reports whether the state changed.
func (s *Service) Resume(ctx context.Context, id string) (resumed bool, err error) {
	id = strings.TrimSpace(id)
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	sa, err := s.store.LoadAction(ctx, id)
	if err != nil {
		return false, err
	}
	if sa.State != schedule.StateCancelled {
		return false, nil
	}
	switch {
	case sa.LastRun.IsZero():
		sa.State = schedule.StatePending
	case sa.Repeating():
		sa.State = schedule.StateActive
	default:
		sa.State = schedule.StateCompleted
	}
	sa.UpdatedAt = s.clock.Now()
	if err := s.store.SaveAction(ctx, sa); err != nil {
		return false, fmt.Errorf("scheduler: resume %s: %w", id, err)
	}
	s.log.Info("action resumed", logx.String("id", id), logx.String("state", sa.State.String()))
	return true, nil
}

// Remove deletes an action and its run log. It never fires again.
func (s *Service) Remove(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if err := s.store.DeleteAction(ctx, id); err != nil {
		return err
	}
	s.warnMu.Lock()
	delete(s.warn, id)
	s.warnMu.Unlock()
	s.log.Info("action removed", logx.String("id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*schedule.ScheduledAction, error) {
	return s.store.LoadAction(ctx, strings.TrimSpace(id))
}

func (s *Service) List(ctx context.Context) ([]*schedule.ScheduledAction, error) {
	return s.store.ListActions(ctx)
}

func definitionChanged(a, b *schedule.ScheduledAction) bool {
	if a.Interval() != b.Interval() {
		return true
	}
	switch {
	case a.Start == nil && b.Start == nil:
		return false
	case a.Start == nil || b.Start == nil:
		return true
	default:
		return !a.Start.Equal(*b.Start)
	}
}
