package storage

import (
	"context"
	"errors"
	"time"

	"recurd/internal/schedule"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit (default)
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (pure Go driver)
//   - "redis": Redis hashes and sets under KeyPrefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisURL      string // takes precedence over RedisAddr
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // redis only; default "recurd:"

	// RunLogLimit caps retained run records per action. 0 means 500.
	RunLogLimit int
}

func (c Config) runLogLimit() int {
	if c.RunLogLimit <= 0 {
		return 500
	}
	return c.RunLogLimit
}

// Outcome of a finished execution as recorded in the run log.
const (
	OutcomeFinished = "finished"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeDropped  = "dropped"
)

// RunRecord is one entry of the run log.
type RunRecord struct {
	ID         string        `json:"id"`
	ActionID   string        `json:"action_id"`
	Outcome    string        `json:"outcome"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	QueueDelay time.Duration `json:"queue_delay"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Store persists scheduled actions and their run log. Implementations are
// safe for concurrent use.
type Store interface {
	// SaveAction inserts or replaces the action keyed by its id.
	SaveAction(ctx context.Context, sa *schedule.ScheduledAction) error
	// LoadAction returns ErrNotFound for an unknown id.
	LoadAction(ctx context.Context, id string) (*schedule.ScheduledAction, error)
	// DeleteAction returns ErrNotFound for an unknown id.
	DeleteAction(ctx context.Context, id string) error
	// ListActions returns all actions ordered by id.
	ListActions(ctx context.Context) ([]*schedule.ScheduledAction, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// ListRuns returns the newest records first. An empty actionID lists all
	// actions; limit <= 0 means no limit.
	ListRuns(ctx context.Context, actionID string, limit int) ([]RunRecord, error)

	Close() error
}
