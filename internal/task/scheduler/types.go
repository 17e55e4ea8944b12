package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"recurd/internal/eventbus"
	"recurd/internal/schedule"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	logx "recurd/pkg/logx"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local

	// Poll is how often stored actions are evaluated: a cron spec
	// ("*/1 * * * *", "@every 15s") or an interval ("30s", "00:01").
	Poll string

	// StartupSpread bounds the per-action offset added to process start for
	// actions without a start date. 0 fires them all on the first tick.
	StartupSpread time.Duration

	// ActionTimeout bounds one execution; 0 uses the engine default.
	ActionTimeout time.Duration
}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Executor runs tasks. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
	Running(key string) bool
}

// Runners binds actions to task bodies. *action.Registry satisfies it.
type Runners interface {
	Runner(a schedule.Action) (func(ctx context.Context) error, error)
}

type Option func(*Service)

func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithProcessStart overrides the instant used as start for actions without one.
func WithProcessStart(t time.Time) Option {
	return func(s *Service) { s.processStart = t }
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	store   storage.Store
	exec    Executor
	runners Runners

	clock        Clock
	processStart time.Time

	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	entryID cron.EntryID
	// firstTick is closed when the evaluation Start kicks off returns.
	firstTick chan struct{}

	// tickMu serializes evaluation with Register/Cancel/Remove so a tick never
	// writes back a record that was changed underneath it.
	tickMu   sync.Mutex
	ticks    uint64
	lastTick time.Time

	// Per-action samplers for enqueue warnings.
	warnMu sync.Mutex
	warn   map[string]*rate.Sometimes
}

// TickReport summarizes one evaluation pass.
type TickReport struct {
	At        time.Time
	Evaluated int
	Due       int
	Enqueued  int
	Skipped   int
	Failed    int
}

type ScheduleInfo struct {
	ID       string
	Kind     string
	Interval string
	State    string
	Start    *time.Time
	LastRun  time.Time
	Next     time.Time
	HasNext  bool
	Running  bool
}

type Snapshot struct {
	Enabled      bool
	Timezone     string
	Poll         string
	ProcessStart time.Time
	Ticks        uint64
	LastTick     time.Time
	PollNext     time.Time
	Schedules    []ScheduleInfo
}
