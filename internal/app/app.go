package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/dispatcher"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/periodic"
	"dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/status"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/handlers"
	logx "dispatchd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	registry *handlers.Registry
	engine   *engine.Service
	disp     *dispatcher.Service
	status   *status.Service

	// dispatcher loop lifecycle; guarded by dmu
	dmu        sync.Mutex
	dispCancel context.CancelFunc
	dispDone   chan struct{}
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	reg := DefaultRegistry(log.With(logx.String("comp", "task")))

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatcher.New(dcfg, nil, engineSvc, log.With(logx.String("comp", "dispatcher")), bus)

	stCfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	src := status.Sources{Scheduler: disp, Dispatch: disp, Engine: engineSvc}
	if store != nil {
		src.Runs = store
	}
	statusSvc := status.New(stCfg, src, log.With(logx.String("comp", "status")))

	return &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: reg,
		engine:   engineSvc,
		disp:     disp,
		status:   statusSvc,
	}, nil
}

// DefaultRegistry returns a registry holding the built-in task handlers.
func DefaultRegistry(log logx.Logger) *handlers.Registry {
	reg := handlers.NewRegistry()
	handlers.RegisterBuiltins(reg, log)
	return reg
}

// Registry lets callers add task handlers before Start.
func (a *App) Registry() *handlers.Registry { return a.registry }

// Status returns the current scheduler snapshot.
func (a *App) Status() periodic.Status { return a.disp.Status() }

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

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if err := ValidateConfig(cfg, a.registry); err != nil {
		return err
	}
	defs, err := dispatcher.BuildDefinitions(cfg.Schedules, a.registry)
	if err != nil {
		return err
	}
	if err := a.disp.Reload(defs); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return ValidateConfig(cfg, a.registry)
	})

	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "recorder")))
		a.sup.GoRestart("storage.recorder", rec.Run)
	}
	a.sup.Go("eventbus.log", a.logEvents(a.bus))

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if cfg.Dispatcher.IsEnabled() {
		a.startDispatcher()
	} else {
		a.log.Info("dispatcher disabled via config")
	}
	if a.status.Enabled() {
		a.status.Start(a.sup.Context())
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
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
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("schedules", len(cfg.Schedules)),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) logEvents(bus eventbus.Bus) func(context.Context) error {
	events, unsub := bus.Subscribe(128)
	return func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	// Token rotation is not a summarized section, so always reconcile.
	if sc, err := mapStatusConfig(newCfg); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.status.Reconfigure(a.sup.Context(), sc)
	}

	sections, attrs, schedChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(schedChanged) > 0 {
		a.log.Debug("schedule changes detected", logx.Any("schedules", schedChanged))
	}

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["logging"] {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}

	if changed["task_engine"] || changed["dispatcher"] {
		if ec, err := mapTaskEngineConfig(newCfg); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(c, ec)
		}
	}

	if changed["dispatcher"] {
		if dc, err := mapDispatcherConfig(newCfg); err != nil {
			a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
		} else {
			a.disp.Apply(dc)
		}
	}
	// A new title only reaches the snapshot through a fresh scheduler. Other
	// dispatcher settings keep the running one, offsets and indexes included.
	titleChanged := strings.TrimSpace(oldCfg.Dispatcher.Title) != strings.TrimSpace(newCfg.Dispatcher.Title)
	if changed["schedules"] || titleChanged {
		defs, err := dispatcher.BuildDefinitions(newCfg.Schedules, a.registry)
		if err == nil {
			err = a.disp.Reload(defs)
		}
		if err != nil {
			a.log.Warn("schedule reload rejected; keeping previous", logx.Err(err))
		}
	}
	if changed["dispatcher"] {
		if newCfg.Dispatcher.IsEnabled() {
			a.startDispatcher()
		} else {
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.stopDispatcher(stopCtx)
			cancel()
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) startDispatcher() {
	a.dmu.Lock()
	defer a.dmu.Unlock()
	if a.dispCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	done := make(chan struct{})
	a.dispCancel, a.dispDone = cancel, done
	a.sup.Go("dispatcher.loop", func(context.Context) error {
		defer close(done)
		return a.disp.Run(ctx)
	})
}

func (a *App) stopDispatcher(ctx context.Context) {
	a.dmu.Lock()
	cancel, done := a.dispCancel, a.dispDone
	a.dispCancel, a.dispDone = nil, nil
	a.dmu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
		a.log.Info("dispatcher loop stopped")
	case <-ctx.Done():
		a.log.Warn("dispatcher loop did not stop in time")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop triggering first so nothing new reaches the engine.
	a.step(ctx, "dispatcher", 2*time.Second, func(c context.Context) error { a.stopDispatcher(c); return nil })
	// The recorder lives under sup; keep it running until in-flight tasks report.
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.sup.Cancel()
	a.step(ctx, "status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
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
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
