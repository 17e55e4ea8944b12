package config

import (
	"encoding/json"

	"recurd/internal/schedule"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls evaluation of stored actions (poll tick, timezone).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution of due actions.
	// If omitted, the engine follows scheduler.enabled with default settings.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Storage is the persistence layer. If omitted, actions live in memory.
	Storage *StorageConfig `json:"storage,omitempty"`

	Tracing *TracingConfig `json:"tracing,omitempty"`

	Webhook *WebhookConfig `json:"webhook,omitempty"`

	// Systemd lists the units the systemd action kind may touch.
	Systemd *SystemdConfig `json:"systemd,omitempty"`

	// Actions are declarative schedules seeded into the store at startup and
	// on every reload.
	Actions []ActionConfig `json:"actions,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the evaluation loop.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone for calendar month arithmetic and cron poll specs.
	Timezone string `json:"timezone,omitempty"`

	// Poll is a cron spec ("*/1 * * * *", "@every 15s") or an interval
	// ("30s", "00:01"). Default "@every 15s".
	Poll string `json:"poll,omitempty"`

	// StartupSpread is a Go duration string. Actions without a start date get
	// a deterministic offset in [0, startup_spread) after process start.
	StartupSpread string `json:"startup_spread,omitempty"`

	// ActionTimeout bounds one execution. Empty uses task_engine.default_timeout.
	ActionTimeout string `json:"action_timeout,omitempty"`
}

// TaskEngineConfig controls the execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
//   - rate_per_sec: 0 (unlimited)
//   - circuit_trip_failures: 5, circuit_open_for: "30s"
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// Use "0s" to disable stale queue dropping.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	RateBurst  int     `json:"rate_burst,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitOpenFor      string `json:"circuit_open_for,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./recurd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// Redis driver. URL wins over addr/password/db when set.
	RedisURL      string `json:"redis_url,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"` // do not log
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`

	// RunLogLimit caps stored run records per action (default 500).
	RunLogLimit int `json:"run_log_limit,omitempty"`
}

// TracingConfig controls OpenTelemetry spans around executions.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter,omitempty"` // "stdout" (default) or "noop"
	SampleRatio float64 `json:"sample_ratio,omitempty"`
	Pretty      bool    `json:"pretty,omitempty"`
}

// WebhookConfig tunes the HTTP client used by the webhook action kind.
type WebhookConfig struct {
	Timeout string `json:"timeout,omitempty"` // default "30s"
}

type SystemdConfig struct {
	AllowUnits []string `json:"allow_units,omitempty"`
}

// ActionConfig declares one scheduled action.
//
// Start accepts RFC 3339 ("2024-01-31T10:00:00Z") or a local date time
// ("2024-01-31T10:00:00", "2024-01-31 10:00") read in scheduler.timezone.
// An empty start means "shortly after process start". An empty every means
// the action runs once.
type ActionConfig struct {
	ID       string            `json:"id"`
	Kind     string            `json:"kind"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Start    string            `json:"start,omitempty"`
	Every    schedule.Interval `json:"every"`
	Disabled bool              `json:"disabled,omitempty"`
}
