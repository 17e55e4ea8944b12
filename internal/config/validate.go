package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Location resolves scheduler.timezone. Empty means Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

// Validate checks bounds, durations and action declarations. It does not
// check action kinds; the caller owns the kind registry.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.startup_spread", cfg.Scheduler.StartupSpread},
		{"scheduler.action_timeout", cfg.Scheduler.ActionTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	if te := cfg.TaskEngine; te != nil {
		switch {
		case te.Workers < 0:
			return fmt.Errorf("task_engine.workers must be >= 0")
		case te.QueueSize < 0:
			return fmt.Errorf("task_engine.queue_size must be >= 0")
		case te.HistorySize < 0:
			return fmt.Errorf("task_engine.history_size must be >= 0")
		case te.RatePerSec < 0:
			return fmt.Errorf("task_engine.rate_per_sec must be >= 0")
		case te.RateBurst < 0:
			return fmt.Errorf("task_engine.rate_burst must be >= 0")
		case te.CircuitTripFailures < 0:
			return fmt.Errorf("task_engine.circuit_trip_failures must be >= 0")
		}
		for _, f := range []struct{ path, raw string }{
			{"task_engine.default_timeout", te.DefaultTimeout},
			{"task_engine.max_queue_delay", te.MaxQueueDelay},
			{"task_engine.circuit_open_for", te.CircuitOpenFor},
			{"task_engine.circuit_reset_after", te.CircuitResetAfter},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		// Scheduler triggers with no engine would never run anything.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
	}

	if st := cfg.Storage; st != nil {
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
		if st.RunLogLimit < 0 {
			return fmt.Errorf("storage.run_log_limit must be >= 0")
		}
	}

	if tr := cfg.Tracing; tr != nil {
		if tr.SampleRatio < 0 || tr.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
		}
		switch strings.ToLower(strings.TrimSpace(tr.Exporter)) {
		case "", "stdout", "noop":
		default:
			return fmt.Errorf("tracing.exporter: unknown %q", tr.Exporter)
		}
	}

	if wh := cfg.Webhook; wh != nil {
		if _, err := ParseDurationField("webhook.timeout", wh.Timeout); err != nil {
			return err
		}
	}

	if sd := cfg.Systemd; sd != nil {
		for i, u := range sd.AllowUnits {
			if strings.TrimSpace(u) == "" {
				return fmt.Errorf("systemd.allow_units[%d] is empty", i)
			}
		}
	}

	seen := make(map[string]struct{}, len(cfg.Actions))
	for i, a := range cfg.Actions {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("actions[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("actions[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if _, err := a.Build(loc); err != nil {
			return err
		}
	}
	return nil
}
