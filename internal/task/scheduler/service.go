package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"recurd/internal/storage"
	logx "recurd/pkg/logx"
)

func New(cfg Config, store storage.Store, exec Executor, runners Runners, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		store:   store,
		exec:    exec,
		runners: runners,
		clock:   SystemClock{},
		warn:    map[string]*rate.Sometimes{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.processStart.IsZero() {
		s.processStart = s.clock.Now()
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// ProcessStart is the instant actions without a start date are anchored to.
func (s *Service) ProcessStart() time.Time { return s.processStart }

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the configuration and restarts the poll loop when the poll
// spec, timezone or enabled flag changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.loc = s.loadLocation(cfg.Timezone)
	running := s.c != nil
	s.mu.Unlock()

	changed := strings.TrimSpace(prev.Poll) != strings.TrimSpace(cfg.Poll) ||
		strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		prev.Enabled != cfg.Enabled
	if !changed {
		return
	}
	if running {
		s.Stop(ctx)
	}
	if cfg.Enabled && (running || prev.Enabled != cfg.Enabled) {
		if err := s.Start(ctx); err != nil {
			s.log.Error("scheduler restart failed", logx.Err(err))
		}
	}
}

// Start registers the poll tick on robfig/cron and runs a first evaluation
// right away. Start is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}

	poll := strings.TrimSpace(s.cfg.Poll)
	if poll == "" {
		poll = DefaultPoll
	}
	sched, err := ParsePoll(poll)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(logx.CronLogger(s.log)),
		// Ticks never overlap: evaluation is single-threaded.
		cron.WithChain(cron.Recover(logx.CronLogger(s.log)), cron.SkipIfStillRunning(logx.CronLogger(s.log))),
	)
	job := cron.FuncJob(func() { s.runTick(runCtx) })
	s.entryID = c.Schedule(sched, job)
	s.c = c
	s.runCtx = runCtx
	s.cancel = cancel
	c.Start()

	// First evaluation goes through the same chain so it cannot overlap a
	// tick. cron does not track it, so Stop waits on firstTick.
	wrapped := c.Entry(s.entryID).WrappedJob
	first := make(chan struct{})
	s.firstTick = first
	go func() {
		defer close(first)
		wrapped.Run()
	}()

	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.String("poll", poll), logx.Time("process_start", s.processStart))
	return nil
}

// Stop stops the poll tick and waits for a running evaluation to finish.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	first := s.firstTick
	s.c = nil
	s.cancel = nil
	s.firstTick = nil
	s.runCtx = nil
	s.entryID = 0
	s.mu.Unlock()

	if c == nil {
		return
	}
	stopped := c.Stop()
	if cancel != nil {
		cancel()
	}
	for _, done := range []<-chan struct{}{stopped.Done(), first} {
		select {
		case <-done:
		case <-ctx.Done():
			s.log.Warn("scheduler stop timed out with a tick in flight", logx.Err(ctx.Err()))
			return
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("scheduler tick failed", logx.Err(err))
	}
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
