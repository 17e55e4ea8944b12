package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"recurd/internal/action"
	"recurd/internal/config"
	"recurd/internal/eventbus"
	"recurd/internal/observability/tracing"
	"recurd/internal/runtime/supervisor"
	"recurd/internal/storage"
	"recurd/internal/task/engine"
	"recurd/internal/task/scheduler"
	logx "recurd/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Option customizes NewApp.
type Option func(*options)

type options struct {
	kinds    []func(reg *action.Registry) error
	logLevel string
}

// WithLogLevel overrides logging.level, e.g. to keep one-shot CLI commands quiet.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = level }
}

// WithActionKinds registers extra action kinds next to the builtins.
func WithActionKinds(fn func(reg *action.Registry) error) Option {
	return func(o *options) {
		if fn != nil {
			o.kinds = append(o.kinds, fn)
		}
	}
}

type App struct {
	opts options
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *action.Registry
	engine   *engine.Service
	sched    *scheduler.Service

	traceShutdown tracing.ShutdownFunc

	closeOnce sync.Once
	closeErr  error
}

// NewApp loads the config at cfgPath and wires every component without
// starting background work. Call Start to run the daemon, or Close when the
// app is only used for offline store access.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg := mapLogConfig(cfg)
	if o.logLevel != "" {
		logCfg.Level = o.logLevel
	}
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))

	reg := action.NewRegistry()
	client, err := webhookClient(cfg)
	if err != nil {
		return nil, err
	}
	builtins := action.BuiltinOptions{HTTPClient: client}
	if cfg.Systemd != nil {
		builtins.SystemdUnits = cfg.Systemd.AllowUnits
	}
	if err := action.RegisterBuiltins(reg, log.With(logx.String("comp", "action")), builtins); err != nil {
		return nil, err
	}
	for _, fn := range o.kinds {
		if err := fn(reg); err != nil {
			return nil, fmt.Errorf("register action kinds: %w", err)
		}
	}
	if err := validateConfig(cfg, reg.Has); err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	shutdown, err := tracing.Setup(context.Background(), mapTracingConfig(cfg))
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(schedCfg, store, engineSvc, reg,
		log.With(logx.String("comp", "scheduler")),
		scheduler.WithBus(bus),
	)

	return &App{
		opts:          o,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		registry:      reg,
		engine:        engineSvc,
		sched:         schedSvc,
		traceShutdown: shutdown,
	}, nil
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Registry() *action.Registry    { return a.registry }
func (a *App) Bus() eventbus.Bus             { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// SeedActions upserts the actions declared in the current config.
func (a *App) SeedActions(ctx context.Context) error {
	return seedActions(ctx, a.sched, nil, a.cfgm.Get(), a.log)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg, a.registry.Has)
	})

	if err := a.SeedActions(a.sup.Context()); err != nil {
		return fmt.Errorf("seed actions: %w", err)
	}

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	// Subscribe before the first tick so no outcome is missed.
	events, unsub := a.bus.Subscribe(runLogBuffer, eventbus.Outcomes...)
	a.sup.Go("runlog", func(c context.Context) error {
		defer unsub()
		return recordRuns(c, events, a.store, a.log.With(logx.String("comp", "runlog")))
	})
	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sdNotify(a.log, "READY=1")
	a.log.Info("app started", logx.Int("actions", len(a.cfgm.Get().Actions)))
	return nil
}

// applyConfig pushes a validated config into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, actionChanged := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	has := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	for _, s := range []string{"storage", "tracing", "webhook", "systemd"} {
		if has(s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if has("logging") {
		logCfg := mapLogConfig(next)
		if a.opts.logLevel != "" {
			logCfg.Level = a.opts.logLevel
		}
		if err := a.logs.Apply(logCfg); err != nil {
			a.log.Warn("logging reconfigured without file sink", logx.Err(err))
		}
	}

	// Engine before scheduler so a freshly enabled scheduler has somewhere to enqueue.
	if has("task_engine") || has("scheduler") {
		if engCfg, err := mapTaskEngineConfig(next); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, engCfg)
		}
	}
	if has("scheduler") {
		if schedCfg, err := mapSchedulerConfig(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(ctx, schedCfg)
		}
	}

	// A timezone change moves local start dates, so reseed on scheduler changes too.
	if has("actions") || has("scheduler") {
		if err := seedActions(ctx, a.sched, prev, next, a.log); err != nil {
			a.log.Warn("declared actions not fully applied", logx.Err(err))
		}
		if len(actionChanged) > 0 {
			a.log.Debug("declared actions changed", logx.Any("ids", actionChanged))
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	sdNotify(a.log, "STOPPING=1")
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding immediately.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// Workers are gone; wait for the run log and config goroutines before closing the store.
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.log.Info("stopped")
	return a.Close()
}

// Close releases the store, the tracer provider and the log sinks. It is
// safe to call on an app that was never started, and more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() { a.closeErr = a.close() })
	return a.closeErr
}

func (a *App) close() error {
	var errs []error
	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if a.traceShutdown != nil {
		if err := a.traceShutdown(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs one shutdown step with an upper bound so a single component
// can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		// fn must honor stepCtx; report the leak and keep going.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
