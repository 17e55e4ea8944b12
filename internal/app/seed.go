package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"recurd/internal/config"
	"recurd/internal/storage"
	"recurd/internal/task/scheduler"
	logx "recurd/pkg/logx"
)

// seedActions upserts the declared actions into the scheduler. Declared
// actions that disappeared since prev are removed. The disabled flag decides
// whether a declared action is cancelled, so clearing it resumes an action
// cancelled earlier. Last run and state of unchanged actions survive.
func seedActions(ctx context.Context, sched *scheduler.Service, prev, cfg *config.Config, log logx.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	var errs []error
	declared := make(map[string]struct{}, len(cfg.Actions))
	for _, ac := range cfg.Actions {
		sa, err := ac.Build(loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		declared[sa.ID()] = struct{}{}
		if err := sched.Register(ctx, sa); err != nil {
			errs = append(errs, fmt.Errorf("actions[%s]: %w", sa.ID(), err))
			continue
		}
		if ac.Disabled {
			if err := sched.Cancel(ctx, sa.ID()); err != nil {
				errs = append(errs, fmt.Errorf("actions[%s]: %w", sa.ID(), err))
			}
			continue
		}
		if resumed, err := sched.Resume(ctx, sa.ID()); err != nil {
			errs = append(errs, fmt.Errorf("actions[%s]: resume: %w", sa.ID(), err))
		} else if resumed {
			log.Info("declared action re-enabled", logx.String("id", sa.ID()))
		}
	}

	if prev != nil {
		for _, ac := range prev.Actions {
			id := strings.TrimSpace(ac.ID)
			if _, ok := declared[id]; ok || id == "" {
				continue
			}
			if err := sched.Remove(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				errs = append(errs, fmt.Errorf("actions[%s]: remove: %w", id, err))
				continue
			}
			log.Info("declared action removed", logx.String("id", id))
		}
	}

	log.Debug("declared actions seeded", logx.Int("count", len(declared)))
	return errors.Join(errs...)
}
