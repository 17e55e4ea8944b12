package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"recurd/internal/config"
	"recurd/internal/observability/tracing"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	"recurd/internal/task/scheduler"
	logx "recurd/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{
		Driver:        driver,
		Path:          strings.TrimSpace(sc.Path),
		RedisAddr:     strings.TrimSpace(sc.RedisAddr),
		RedisURL:      strings.TrimSpace(sc.RedisURL),
		RedisPassword: sc.RedisPassword,
		RedisDB:       sc.RedisDB,
		KeyPrefix:     sc.KeyPrefix,
		RunLogLimit:   sc.RunLogLimit,
	}

	switch driver {
	case "", "none", "memory":
		out.Driver = "memory"
	case "file":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "redis":
		if out.RedisAddr == "" && out.RedisURL == "" {
			return storage.Config{}, fmt.Errorf("storage.redis_addr or storage.redis_url is required when storage.driver=redis")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	te := cfg.TaskEngine
	if te == nil {
		te = &config.TaskEngineConfig{}
	}

	enabled := cfg.Scheduler.Enabled
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	// Safety: avoid a config where scheduler triggers run but engine is explicitly disabled.
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}

	out := engine.Config{
		Enabled:             enabled,
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		RatePerSec:          te.RatePerSec,
		RateBurst:           te.RateBurst,
		CircuitTripFailures: te.CircuitTripFailures,
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitOpenFor, err = config.ParseDurationField("task_engine.circuit_open_for", te.CircuitOpenFor); err != nil {
		return engine.Config{}, err
	}
	if out.CircuitResetAfter, err = config.ParseDurationField("task_engine.circuit_reset_after", te.CircuitResetAfter); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	spread, err := config.ParseDurationField("scheduler.startup_spread", cfg.Scheduler.StartupSpread)
	if err != nil {
		return scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationField("scheduler.action_timeout", cfg.Scheduler.ActionTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		Timezone:      strings.TrimSpace(cfg.Scheduler.Timezone),
		Poll:          strings.TrimSpace(cfg.Scheduler.Poll),
		StartupSpread: spread,
		ActionTimeout: timeout,
	}, nil
}

func mapTracingConfig(cfg *config.Config) tracing.Config {
	if cfg == nil || cfg.Tracing == nil {
		return tracing.Config{}
	}
	exp := strings.ToLower(strings.TrimSpace(cfg.Tracing.Exporter))
	if exp == "" {
		exp = "stdout"
	}
	return tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    exp,
		SampleRatio: cfg.Tracing.SampleRatio,
		Pretty:      cfg.Tracing.Pretty,
	}
}

func webhookClient(cfg *config.Config) (*http.Client, error) {
	raw := ""
	if cfg != nil && cfg.Webhook != nil {
		raw = cfg.Webhook.Timeout
	}
	timeout, err := config.ParseDurationOrDefault("webhook.timeout", raw, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &http.Client{Timeout: timeout}, nil
}

// validateConfig is the reload validator: global checks plus action kinds.
func validateConfig(cfg *config.Config, kinds func(string) bool) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := scheduler.ParsePoll(orDefault(cfg.Scheduler.Poll, scheduler.DefaultPoll)); err != nil {
		return fmt.Errorf("scheduler.poll: %w", err)
	}
	if kinds != nil {
		for i, a := range cfg.Actions {
			if !kinds(strings.TrimSpace(a.Kind)) {
				return fmt.Errorf("actions[%d]: unknown kind %q", i, a.Kind)
			}
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
