package config

import (
	"bytes"
	"reflect"
	"sort"
	"strings"

	logx "recurd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets such as the
// redis password), and (3) the ids of declared actions that were added,
// removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.poll", strings.TrimSpace(newCfg.Scheduler.Poll)),
			logx.String("scheduler.startup_spread", strings.TrimSpace(newCfg.Scheduler.StartupSpread)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")

		enabledEffective := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabledEffective = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.present", newCfg.TaskEngine != nil),
			logx.Bool("task_engine.enabled", enabledEffective),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
			logx.Any("task_engine.rate_per_sec", nTE.RatePerSec),
		)
	}

	// Storage is never hot-swapped; the summary only flags that it moved.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.redis_set", nS.RedisAddr != "" || nS.RedisURL != ""),
			logx.Bool("storage.redis_password_set", nS.RedisPassword != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		changed = append(changed, "tracing")
		if newCfg.Tracing != nil {
			attrs = append(attrs,
				logx.Bool("tracing.enabled", newCfg.Tracing.Enabled),
				logx.String("tracing.exporter", newCfg.Tracing.Exporter),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Webhook, newCfg.Webhook) {
		changed = append(changed, "webhook")
	}
	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}

	actionChanged := diffActions(oldCfg.Actions, newCfg.Actions)
	if len(actionChanged) > 0 {
		changed = append(changed, "actions")
		attrs = append(attrs,
			logx.Int("actions.changed_count", len(actionChanged)),
			logx.Int("actions.declared", len(newCfg.Actions)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, actionChanged
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func diffActions(oldL, newL []ActionConfig) []string {
	oldM := make(map[string]ActionConfig, len(oldL))
	for _, a := range oldL {
		oldM[strings.TrimSpace(a.ID)] = a
	}
	newM := make(map[string]ActionConfig, len(newL))
	for _, a := range newL {
		newM[strings.TrimSpace(a.ID)] = a
	}

	out := make([]string, 0)
	for id, n := range newM {
		o, ok := oldM[id]
		if !ok || !sameAction(o, n) {
			out = append(out, id)
		}
	}
	for id := range oldM {
		if _, ok := newM[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sameAction(a, b ActionConfig) bool {
	return a.Kind == b.Kind &&
		strings.TrimSpace(a.Start) == strings.TrimSpace(b.Start) &&
		a.Every == b.Every &&
		a.Disabled == b.Disabled &&
		bytes.Equal(compactJSON(a.Payload), compactJSON(b.Payload))
}
