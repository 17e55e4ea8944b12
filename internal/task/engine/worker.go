package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"recurd/internal/eventbus"
	"recurd/internal/observability/tracing"
	logx "recurd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, p *pool, idx int) {
	stopCh, queue := p.stop, p.q
	// Per-worker RNG avoids global lock contention when many tasks retry concurrently.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			if !s.waitRate(ctx) {
				// The retiring pool decides whether it moves or is dropped.
				p.putBack(t)
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, t, rng)
			s.inFlight.Add(-1)
		}
	}
}

// waitRate blocks until the dispatch limiter admits one more execution.
func (s *Service) waitRate(ctx context.Context) bool {
	lim := s.limiter.Load()
	if lim == nil {
		return true
	}
	return lim.Wait(ctx) == nil
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	defer qt.release()

	start := time.Now()
	var queueDelay time.Duration
	if !qt.enqueuedAt.IsZero() {
		queueDelay = max(start.Sub(qt.enqueuedAt), 0)
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	t := qt.task
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.dropStale(cfg, start, t, queueDelay)
		return
	}

	ev := t.event(start)
	ev.QueueDelay = queueDelay
	s.log.Debug("task started", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("queue_delay", queueDelay))
	s.report(cfg, eventbus.TaskStarted, ev)

	spanCtx, span := tracing.StartSpan(ctx, "action.execute",
		attribute.String("recurd.task.id", t.ID),
		attribute.String("recurd.task.name", t.Name),
		attribute.String("recurd.action.id", ev.Key),
		attribute.Int64("recurd.queue_delay_ms", queueDelay.Milliseconds()),
	)
	b := s.circuits.get(ev.Key, effectiveCircuitCfg(cfg, qt.opt), s.log)
	err := b.run(func() error {
		var e error
		ev.Attempts, e = s.runAttempts(spanCtx, stopCh, qt, rng)
		return e
	})
	span.SetAttributes(attribute.Int("recurd.attempts", ev.Attempts))
	tracing.End(span, err)
	ev.Duration = time.Since(start)

	fields := []logx.Field{
		logx.String("task", t.Name),
		logx.String("id", t.ID),
		logx.Duration("dur", ev.Duration),
		logx.Int("attempts", ev.Attempts),
	}
	switch {
	case errors.Is(err, ErrCircuitOpen) && ev.Attempts == 0:
		// Another probe holds the half-open breaker.
		ev.Error = "circuit_open"
		s.log.Debug("task skipped: circuit open", fields...)
		s.report(cfg, eventbus.TaskSkipped, ev)
	case err != nil:
		ev.Error = err.Error()
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
		s.report(cfg, eventbus.TaskFailed, ev)
	default:
		lvl := s.log.Debug
		if ev.Duration >= slowTask {
			lvl = s.log.Info
		}
		lvl("task completed", fields...)
		s.report(cfg, eventbus.TaskFinished, ev)
	}
}

// Completions slower than this are logged at info.
const slowTask = 750 * time.Millisecond

// runAttempts runs the task body with retries and returns the attempt count
// and the final error.
func (s *Service) runAttempts(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (int, error) {
	var err error
	attempts := 0
	maxAttempts := 1 + qt.opt.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel func()
		if qt.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		}
		// A panicking handler becomes an error so one bad action can't kill a worker.
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			err = qt.task.Run(runCtx)
		}()
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return attempts, nil
		}
		var he *HandlerError
		if errors.As(err, &he) && he.Permanent {
			return attempts, he.Err
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		if delay <= 0 {
			continue
		}
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempts, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempts, ErrStopping
		case <-tmr.C:
		}
	}
	return attempts, err
}

// backoffDelayWithHint returns the pause before retry number retry (1-based):
// RetryBase doubled per retry, capped at RetryMaxDelay, then jittered. A
// RetryAfter hint on err replaces the doubling.
func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	if d, ok := RetryHint(err); ok {
		return jitter(min(d, maxDelay(opt)), opt.RetryJitter, maxDelay(opt), rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	limit := maxDelay(opt)
	d := opt.RetryBase
	if d <= 0 {
		d = defaultRetryBase
	}
	for i := 1; i < retry && d < limit; i++ {
		d *= 2
	}
	return jitter(min(d, limit), opt.RetryJitter, limit, rng)
}

func maxDelay(opt TaskOptions) time.Duration {
	if opt.RetryMaxDelay <= 0 {
		return defaultRetryMaxDelay
	}
	return opt.RetryMaxDelay
}

func jitter(d time.Duration, j float64, limit time.Duration, rng *rand.Rand) time.Duration {
	if j <= 0 {
		j = defaultRetryJitter
	}
	if d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*j))
	}
	return min(max(d, 0), limit)
}
