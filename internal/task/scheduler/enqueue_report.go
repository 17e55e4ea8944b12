package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

// enqueueWarnEvery limits warnings for one action while the engine keeps
// rejecting it, e.g. during a long queue-full episode.
const enqueueWarnEvery = 5 * time.Second

func (s *Service) reportEnqueueError(id string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) || errors.Is(err, engine.ErrCircuitOpen) {
		s.log.Debug("due action skipped", logx.String("action", id), logx.Err(err))
		return
	}

	s.warnMu.Lock()
	w := s.warn[id]
	if w == nil {
		w = &rate.Sometimes{Interval: enqueueWarnEvery}
		s.warn[id] = w
	}
	s.warnMu.Unlock()

	w.Do(func() {
		s.log.Warn("due action not enqueued", logx.String("action", id), logx.Err(err))
	})
}
