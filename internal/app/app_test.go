package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"recurd/internal/action"
	"recurd/internal/config"
	"recurd/internal/eventbus"
	"recurd/internal/schedule"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	"recurd/internal/task/scheduler"
	logx "recurd/pkg/logx"
)

func TestRunRecordMapping(t *testing.T) {
	t.Parallel()

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := engine.TaskEvent{ID: "t1", Name: "action.log", Key: "report", Started: started, Duration: time.Second, Attempts: 2, Error: "boom"}

	cases := []struct {
		topic   string
		data    any
		outcome string
		ok      bool
	}{
		{eventbus.TaskFinished, ev, storage.OutcomeFinished, true},
		{eventbus.TaskFailed, ev, storage.OutcomeFailed, true},
		{eventbus.TaskSkipped, ev, storage.OutcomeSkipped, true},
		{eventbus.TaskDropped, ev, storage.OutcomeDropped, true},
		{eventbus.TaskStarted, ev, "", false},
		{eventbus.ActionFired, scheduler.ActionFired{ID: "report"}, "", false},
		{eventbus.TaskFinished, engine.TaskEvent{ID: "t2", Name: "adhoc"}, "", false},
	}
	for _, tc := range cases {
		rec, ok := runRecord(eventbus.Event{Type: tc.topic, Data: tc.data})
		if ok != tc.ok {
			t.Fatalf("%s: ok = %v, want %v", tc.topic, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if rec.Outcome != tc.outcome || rec.ActionID != "report" || rec.ID != "t1" || rec.Attempts != 2 || !rec.Started.Equal(started) {
			t.Fatalf("%s: record = %+v", tc.topic, rec)
		}
	}
}

func TestRecordRunsAppends(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	store := storage.NewMemory(storage.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	events, unsub := bus.Subscribe(16)
	defer unsub()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = recordRuns(ctx, events, store, logx.Nop())
	}()

	sa := &schedule.ScheduledAction{Action: schedule.Action{ID: "a", Kind: "log"}}
	if err := store.SaveAction(ctx, sa); err != nil {
		t.Fatal(err)
	}
	bus.Publish(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{ID: "r1", Key: "a", Started: time.Now(), Error: "x"}})

	deadline := time.Now().Add(2 * time.Second)
	for {
		runs, err := store.ListRuns(ctx, "a", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) == 1 {
			if runs[0].Outcome != storage.OutcomeFailed || runs[0].Error != "x" {
				t.Fatalf("run = %+v", runs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run record not appended")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()

	on, off := true, false
	cases := []struct {
		name    string
		cfg     config.Config
		want    engine.Config
		wantErr bool
	}{
		{
			name: "follows scheduler",
			cfg:  config.Config{Scheduler: config.SchedulerConfig{Enabled: true}},
			want: engine.Config{Enabled: true},
		},
		{
			name: "explicit settings",
			cfg: config.Config{TaskEngine: &config.TaskEngineConfig{
				Enabled: &on, Workers: 8, DefaultTimeout: "10s", CircuitOpenFor: "1m", RatePerSec: 2.5,
			}},
			want: engine.Config{Enabled: true, Workers: 8, DefaultTimeout: 10 * time.Second, CircuitOpenFor: time.Minute, RatePerSec: 2.5},
		},
		{
			name:    "engine off with scheduler on",
			cfg:     config.Config{Scheduler: config.SchedulerConfig{Enabled: true}, TaskEngine: &config.TaskEngineConfig{Enabled: &off}},
			wantErr: true,
		},
		{
			name:    "bad duration",
			cfg:     config.Config{TaskEngine: &config.TaskEngineConfig{MaxQueueDelay: "-1s"}},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapTaskEngineConfig(&tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		sc      *config.StorageConfig
		driver  string
		wantErr bool
	}{
		{name: "omitted", sc: nil, driver: "memory"},
		{name: "none", sc: &config.StorageConfig{Driver: "none"}, driver: "memory"},
		{name: "file", sc: &config.StorageConfig{Driver: "File", Path: "./x"}, driver: "file"},
		{name: "sqlite needs path", sc: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "sqlite", sc: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}, driver: "sqlite"},
		{name: "redis needs addr", sc: &config.StorageConfig{Driver: "redis"}, wantErr: true},
		{name: "redis", sc: &config.StorageConfig{Driver: "redis", RedisAddr: "127.0.0.1:6379"}, driver: "redis"},
		{name: "unknown", sc: &config.StorageConfig{Driver: "etcd"}, wantErr: true},
	}
	for _, tc := range cases {
		got, err := mapStorageConfig(&config.Config{Storage: tc.sc})
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil || got.Driver != tc.driver {
			t.Fatalf("%s: got %+v err %v", tc.name, got, err)
		}
	}
	got, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}})
	if got.BusyTimeout != time.Second {
		t.Fatalf("busy timeout default = %v", got.BusyTimeout)
	}
}

func TestSeedActions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := action.NewRegistry()
	if err := reg.Register("noop", func(context.Context, schedule.Action) error { return nil }); err != nil {
		t.Fatal(err)
	}
	store := storage.NewMemory(storage.Config{})
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, store, nil, reg, logx.Nop())

	every := schedule.Interval{Count: 1, Period: schedule.PeriodDay}
	prev := &config.Config{Scheduler: config.SchedulerConfig{Timezone: "UTC"}, Actions: []config.ActionConfig{
		{ID: "a", Kind: "noop", Every: every},
		{ID: "b", Kind: "noop", Start: "2024-01-01 08:00", Every: every},
	}}
	if err := seedActions(ctx, sched, nil, prev, logx.Nop()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	b, err := store.LoadAction(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if b.Start == nil || !b.Start.Equal(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("b.Start = %v", b.Start)
	}

	next := &config.Config{Scheduler: config.SchedulerConfig{Timezone: "UTC"}, Actions: []config.ActionConfig{
		{ID: "b", Kind: "noop", Start: "2024-01-01 08:00", Every: every, Disabled: true},
		{ID: "c", Kind: "noop"},
	}}
	if err := seedActions(ctx, sched, prev, next, logx.Nop()); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	list, _ := store.ListActions(ctx)
	var ids []string
	for _, sa := range list {
		ids = append(ids, sa.ID()+"="+sa.State.String())
	}
	if got := strings.Join(ids, ","); got != "b=cancelled,c=pending" {
		t.Fatalf("actions = %s", got)
	}

	// Clearing the flag resumes the declared action.
	enabled := &config.Config{Scheduler: config.SchedulerConfig{Timezone: "UTC"}, Actions: []config.ActionConfig{
		{ID: "b", Kind: "noop", Start: "2024-01-01 08:00", Every: every},
		{ID: "c", Kind: "noop"},
	}}
	if err := seedActions(ctx, sched, next, enabled, logx.Nop()); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if b, _ = store.LoadAction(ctx, "b"); b.State != schedule.StatePending {
		t.Fatalf("re-enabled b state = %v, want pending", b.State)
	}

	bad := &config.Config{Actions: []config.ActionConfig{{ID: "d", Kind: "missing"}}}
	if err := seedActions(ctx, sched, nil, bad, logx.Nop()); err == nil {
		t.Fatal("unknown kind seeded")
	}
}

func TestValidateConfigChecksKinds(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Actions: []config.ActionConfig{{ID: "a", Kind: "mail"}}}
	err := validateConfig(cfg, func(k string) bool { return k == "log" })
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("err = %v", err)
	}
	cfg.Scheduler.Poll = "every now and then"
	if err := validateConfig(&config.Config{Scheduler: cfg.Scheduler}, nil); err == nil {
		t.Fatal("bad poll accepted")
	}
}

func TestAppRunsDeclaredAction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := map[string]any{
		"logging":   map[string]any{"level": "error", "console": true},
		"scheduler": map[string]any{"enabled": true, "timezone": "UTC", "poll": "@every 1h"},
		"storage":   map[string]any{"driver": "file", "path": filepath.Join(dir, "store")},
		"actions": []any{
			map[string]any{"id": "probe", "kind": "probe", "start": "2000-01-01T00:00:00Z", "every": "1D"},
		},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "recurd.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}

	fired := make(chan string, 4)
	a, err := NewApp(path, WithActionKinds(func(reg *action.Registry) error {
		return reg.Register("probe", func(_ context.Context, act schedule.Action) error {
			fired <- act.ID
			return nil
		})
	}))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case id := <-fired:
		if id != "probe" {
			t.Fatalf("fired %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("declared action never ran")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		runs, err := a.Store().ListRuns(ctx, "probe", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) > 0 && runs[0].Outcome == storage.OutcomeFinished {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no finished run recorded: %+v", runs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sa, err := a.Scheduler().Get(ctx, "probe")
	if err != nil {
		t.Fatal(err)
	}
	if sa.State != schedule.StateActive || sa.LastRun.IsZero() {
		t.Fatalf("bookkeeping = state %v lastRun %v", sa.State, sa.LastRun)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
