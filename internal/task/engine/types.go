package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the worker pool that executes due actions. The app layer
// maps config.task_engine into it.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one attempt when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 keeps them regardless of age.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int

	// RatePerSec caps executions started per second across all workers.
	// 0 means unlimited. RateBurst defaults to Workers.
	RatePerSec float64
	RateBurst  int

	// CircuitTripFailures consecutive failed runs of one key open its
	// circuit. A negative value disables circuit breaking.
	CircuitTripFailures int
	// CircuitOpenFor is how long an open circuit rejects work before one
	// half-open probe goes through.
	CircuitOpenFor time.Duration
	// CircuitResetAfter clears failure counts while the circuit is closed.
	CircuitResetAfter time.Duration
}

const (
	defaultWorkers       = 2
	defaultQueueSize     = 256
	defaultRetryMax      = 3
	defaultHistorySize   = 200
	defaultTripFailures  = 5
	defaultCircuitOpen   = 30 * time.Second
	defaultCircuitReset  = 5 * time.Minute
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 15 * time.Second
	defaultRetryJitter   = 0.2
)

func (c Config) withDefaults() Config {
	c.Workers = orInt(c.Workers, defaultWorkers)
	c.QueueSize = orInt(c.QueueSize, defaultQueueSize)
	c.RetryMax = orInt(c.RetryMax, defaultRetryMax)
	c.HistorySize = orInt(c.HistorySize, defaultHistorySize)
	c.RateBurst = orInt(c.RateBurst, c.Workers)
	c.RatePerSec = max(c.RatePerSec, 0)
	if c.CircuitTripFailures == 0 {
		c.CircuitTripFailures = defaultTripFailures
	}
	if c.CircuitOpenFor <= 0 {
		c.CircuitOpenFor = defaultCircuitOpen
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = defaultCircuitReset
	}
	return c
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// TaskOptions tune retries and gating for one task.
type TaskOptions struct {
	// Exclusive rejects the task with ErrOverlapSkip while another task with
	// the same key is queued or running.
	Exclusive bool

	// RetryMax is the number of retries after the first attempt. 0 takes the
	// engine default and a negative value disables retries.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = ±20%

	// CircuitTripFailures overrides the engine threshold. Negative disables
	// the circuit for this task.
	CircuitTripFailures int
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax == 0:
		o.RetryMax = cfg.RetryMax
	case o.RetryMax < 0:
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultRetryMaxDelay
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = defaultRetryJitter
	}
	return o
}

// DefaultTaskOptions returns the options a task gets when it sets none.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return TaskOptions{}.withDefaults(cfg.withDefaults())
}

// Gate counts queued plus running tasks for one key.
type Gate struct {
	mu sync.Mutex
	n  int
}

func (g *Gate) tryAcquire() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n > 0 {
		return false
	}
	g.n++
	return true
}

func (g *Gate) release() {
	if g == nil {
		return
	}
	g.mu.Lock()
	if g.n > 0 {
		g.n--
	}
	g.mu.Unlock()
}

// Busy reports whether a task holds the gate.
func (g *Gate) Busy() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n > 0
}

// TaskEvent describes one lifecycle step of a task. It is the Data of every
// task.* bus event and the element type of Snapshot.History.
type TaskEvent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
	// Outcome is the bus topic that ended the run. Empty for task.started.
	Outcome    string        `json:"outcome,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Key groups runs of the same scheduled action for exclusivity and circuit
// breaking. It defaults to Name.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions

	// OnDrop is called once when an accepted task is discarded before it
	// starts: its pool stopped, or it waited past MaxQueueDelay. Enqueue
	// errors are returned instead.
	OnDrop func()
}

func (t Task) dropped() {
	if t.OnDrop != nil {
		t.OnDrop()
	}
}

func (t Task) key() string {
	if t.Key != "" {
		return t.Key
	}
	return t.Name
}

func (t Task) event(start time.Time) TaskEvent {
	return TaskEvent{ID: t.ID, Name: t.Name, Key: t.key(), Started: start}
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	DroppedQueueFull uint64
	DroppedStale     uint64
	DroppedStopped   uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int
	RatePerSec     float64

	CircuitTotal int
	CircuitOpen  int

	// History holds the most recent outcomes, oldest first.
	History []TaskEvent
}

// Dropped is the total number of tasks that never ran after being offered.
func (s Snapshot) Dropped() uint64 { return s.DroppedQueueFull + s.DroppedStale + s.DroppedStopped }
