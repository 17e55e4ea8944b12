package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"recurd/internal/eventbus"
	rtsup "recurd/internal/runtime/supervisor"
	logx "recurd/pkg/logx"
)

// Service executes tasks on a pool of supervised workers.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	pool    *pool // nil unless running
	closing *pool // pool being shut down

	log logx.Logger
	bus eventbus.Bus

	limiter  atomic.Pointer[rate.Limiter]
	inFlight atomic.Int32

	// carry holds tasks queued on a pool retired by Apply until the next
	// pool takes them over.
	carry []queuedTask

	gateMu sync.Mutex
	gates  map[string]*Gate

	circuits circuitStore

	hmu     sync.Mutex
	history []TaskEvent

	droppedFull    atomic.Uint64
	droppedStale   atomic.Uint64
	droppedStopped atomic.Uint64
	// Drop warnings are sampled so a saturated queue does not flood the log.
	warnFull  rate.Sometimes
	warnStale rate.Sometimes
}

// pool is one generation of workers and their queue. Start creates it, Stop
// retires it.
type pool struct {
	q    chan queuedTask
	stop chan struct{}
	done chan struct{}
	sup  *rtsup.Supervisor

	// sendMu orders enqueuers against seal: once sealed, nothing else lands
	// in q.
	sendMu sync.RWMutex
	sealed bool
	// held are tasks a worker dequeued but gave back when the pool stopped.
	held []queuedTask
}

func (p *pool) stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *pool) putBack(qt queuedTask) {
	p.sendMu.Lock()
	p.held = append(p.held, qt)
	p.sendMu.Unlock()
}

// seal closes the queue to senders and returns the tasks that never ran.
func (p *pool) seal() []queuedTask {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.sealed = true
	left := p.held
	p.held = nil
	for {
		select {
		case qt := <-p.q:
			left = append(left, qt)
		default:
			return left
		}
	}
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	gate       *Gate
}

func (qt queuedTask) release() {
	if qt.gate != nil {
		qt.gate.release()
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		gates:     make(map[string]*Gate),
		warnFull:  rate.Sometimes{Interval: 5 * time.Second},
		warnStale: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. The pool is rebuilt when its shape changes
// and started or stopped when Enabled flips.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.pool != nil
	s.mu.Unlock()

	if running && (prev.RatePerSec != cfg.RatePerSec || prev.RateBurst != cfg.RateBurst) {
		s.limiter.Store(newLimiter(cfg))
	}
	if prev.CircuitTripFailures != cfg.CircuitTripFailures || prev.CircuitOpenFor != cfg.CircuitOpenFor || prev.CircuitResetAfter != cfg.CircuitResetAfter {
		s.circuits.reset()
	}

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled && !prev.Enabled:
		s.Start(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		// Queued tasks move to the new pool.
		s.retire(ctx, true)
		s.Start(ctx)
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst)
}

// Start launches the worker pool. It is a no-op when disabled or already
// running, and waits for a pool that is still shutting down.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.closing != nil {
		done := s.closing.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if !s.cfg.Enabled || s.pool != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	p := &pool{
		q:    make(chan queuedTask, cfg.QueueSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		// A failing worker is restarted; it never takes the daemon down.
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.pool = p
	s.limiter.Store(newLimiter(cfg))
	carried := s.carry
	s.carry = nil
	s.mu.Unlock()

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, p, i)
			if c.Err() != nil || p.stopped() {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.requeue(cfg, p, carried)
	s.log.Info("task engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.Any("rate_per_sec", cfg.RatePerSec),
	)
}

// Stop retires the pool and waits until its workers exit or ctx is done.
// Queued tasks that never started are reported as dropped.
func (s *Service) Stop(ctx context.Context) {
	s.retire(ctx, false)
}

// retire stops the current pool. With handoff its queued tasks are kept for
// the next Start; otherwise they are abandoned.
func (s *Service) retire(ctx context.Context, handoff bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.pool
	if p == nil {
		closing := s.closing
		s.mu.Unlock()
		if closing != nil {
			select {
			case <-closing.done:
			case <-ctx.Done():
			}
		}
		if !handoff {
			s.mu.Lock()
			left := s.carry
			s.carry = nil
			s.mu.Unlock()
			s.abandon(left, "engine_stopped")
		}
		return
	}
	s.pool, s.closing = nil, p
	s.mu.Unlock()

	s.limiter.Store(nil)
	close(p.stop)
	p.sup.Cancel()
	go func() {
		_ = p.sup.Wait(context.Background())
		left := p.seal()
		s.inFlight.Store(0)

		s.mu.Lock()
		if handoff {
			s.carry = append(s.carry, left...)
			left = nil
		} else {
			left = append(left, s.carry...)
			s.carry = nil
		}
		if s.closing == p {
			s.closing = nil
		}
		s.mu.Unlock()
		s.abandon(left, "engine_stopped")
		close(p.done)
	}()

	select {
	case <-p.done:
		s.log.Info("task engine stopped", logx.Bool("handoff", handoff))
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// requeue moves tasks carried over from a retired pool onto p. Tasks that
// no longer fit are dropped as queue_full.
func (s *Service) requeue(cfg Config, p *pool, carried []queuedTask) {
	if len(carried) == 0 {
		return
	}
	moved := 0
	for _, qt := range carried {
		select {
		case p.q <- qt:
			moved++
		default:
			qt.release()
			s.dropQueueFull(cfg, time.Now(), qt.task, p.q)
			qt.task.dropped()
		}
	}
	s.log.Info("queued tasks moved to new pool", logx.Int("moved", moved), logx.Int("dropped", len(carried)-moved))
}

// abandon reports tasks that will never run and releases their gates.
func (s *Service) abandon(left []queuedTask, reason string) {
	if len(left) == 0 {
		return
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	now := time.Now()
	for _, qt := range left {
		qt.release()
		s.droppedStopped.Add(1)
		ev := qt.task.event(now)
		ev.QueueDelay = max(now.Sub(qt.enqueuedAt), 0)
		ev.Error = reason
		s.report(cfg, eventbus.TaskDropped, ev)
		qt.task.dropped()
	}
	s.log.Warn("queued tasks discarded", logx.Int("count", len(left)), logx.String("reason", reason))
}

// Enqueue hands t to the pool without blocking. A full queue drops it with
// ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit waits for queue space until ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("%w: Run is nil", ErrInvalidTask)
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("%w: Name is required", ErrInvalidTask)
	}
	t.Name = name
	t.Key = strings.TrimSpace(t.Key)
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	now := time.Now()

	s.mu.Lock()
	cfg, p, closing := s.cfg, s.pool, s.closing != nil
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case p == nil && closing:
		return ErrStopping
	case p == nil:
		return ErrStopped
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	key := t.key()
	if s.circuitIsOpen(key, cfg, opt) {
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.String("key", key))
		ev := t.event(now)
		ev.Error = "circuit_open"
		s.report(cfg, eventbus.TaskSkipped, ev)
		return ErrCircuitOpen
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.sealed {
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt}
	if opt.Exclusive {
		qt.gate = s.gateFor(key)
		if !qt.gate.tryAcquire() {
			s.log.Debug("task skipped: already queued or running", logx.String("task", t.Name), logx.String("key", key))
			ev := t.event(now)
			ev.Error = "overlap_skip"
			s.report(cfg, eventbus.TaskSkipped, ev)
			return ErrOverlapSkip
		}
	}

	if !block {
		select {
		case p.q <- qt:
			return nil
		default:
			qt.release()
			s.dropQueueFull(cfg, now, t, p.q)
			return ErrQueueFull
		}
	}

	select {
	case p.q <- qt:
		return nil
	case <-ctx.Done():
		qt.release()
		return ctx.Err()
	case <-p.stop:
		qt.release()
		return ErrStopping
	}
}

// Running reports whether an exclusive task with key is queued or executing.
func (s *Service) Running(key string) bool {
	s.gateMu.Lock()
	g := s.gates[strings.TrimSpace(key)]
	s.gateMu.Unlock()
	return g.Busy()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	var q chan queuedTask
	if s.pool != nil {
		q = s.pool.q
	}
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DroppedStopped:   s.droppedStopped.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		RatePerSec:       cfg.RatePerSec,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	snap.CircuitTotal, snap.CircuitOpen = s.circuitSnapshot()

	s.hmu.Lock()
	snap.History = append([]TaskEvent(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) gateFor(key string) *Gate {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	g := s.gates[key]
	if g == nil {
		g = &Gate{}
		s.gates[key] = g
	}
	return g
}

// report publishes ev under topic. Outcomes are also kept in the bounded
// history.
func (s *Service) report(cfg Config, topic string, ev TaskEvent) {
	at := time.Now()
	if topic != eventbus.TaskStarted {
		ev.Outcome = topic
		s.hmu.Lock()
		s.history = append(s.history, ev)
		if n := len(s.history) - cfg.HistorySize; n > 0 {
			s.history = slices.Delete(s.history, 0, n)
		}
		s.hmu.Unlock()
	} else {
		at = ev.Started
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: topic, Time: at, Data: ev})
	}
}

func (s *Service) dropQueueFull(cfg Config, now time.Time, t Task, q chan queuedTask) {
	n := s.droppedFull.Add(1)
	ev := t.event(now)
	ev.Error = "queue_full"
	s.report(cfg, eventbus.TaskDropped, ev)
	s.warnFull.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("key", t.key()),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) dropStale(cfg Config, now time.Time, t Task, queueDelay time.Duration) {
	n := s.droppedStale.Add(1)
	ev := t.event(now)
	ev.QueueDelay = queueDelay
	ev.Error = "stale_queue_delay"
	s.report(cfg, eventbus.TaskDropped, ev)
	t.dropped()
	s.warnStale.Do(func() {
		s.log.Warn("task dropped: waited too long in queue",
			logx.String("task", t.Name),
			logx.String("key", t.key()),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	})
}
