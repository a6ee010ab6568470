package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"shotsched/internal/capture"
	"shotsched/internal/config"
	"shotsched/internal/eventbus"
	"shotsched/internal/notifier"
	rtsup "shotsched/internal/runtime/supervisor"
	"shotsched/internal/storage"
	"shotsched/internal/task/engine"
	"shotsched/internal/task/scheduler"
	logx "shotsched/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	action *actionSlot
	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	rec    *runRecorder

	drainTimeout atomic.Int64 // nanoseconds
	notifToken   string
	stopping     atomic.Bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	closeOnErr := func(err error) (*App, error) {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	cc, _ := mapCaptureConfig(cfg)
	act, err := capture.Open(cc, log)
	if err != nil {
		return closeOnErr(fmt.Errorf("capture: %w", err))
	}
	slot := newActionSlot(act)

	engCfg, _ := mapEngineConfig(cfg)
	engineSvc := engine.New(engCfg, slot, log.With(logx.String("comp", "engine")), bus)

	schedCfg, _ := mapSchedulerConfig(cfg)
	schedSvc := scheduler.New(schedCfg, scheduler.NewRegistry(), engineSvc, log.With(logx.String("comp", "scheduler")))
	schedSvc.Sync(cfg.Tasks)

	ncfg, token, _ := mapNotifierConfig(cfg)
	var sender notifier.Sender
	if ncfg.Enabled {
		tg, err := notifier.NewTelegram(token)
		if err != nil {
			return closeOnErr(fmt.Errorf("notifier: %w", err))
		}
		sender = tg
	}
	notifSvc := notifier.New(ncfg, sender, log, bus)

	drain, _ := mapDrainTimeout(cfg)

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		action:     slot,
		engine:     engineSvc,
		sched:      schedSvc,
		notif:      notifSvc,
		notifToken: token,
	}
	a.drainTimeout.Store(int64(drain))
	if store != nil {
		a.rec = &runRecorder{store: store, log: log.With(logx.String("comp", "recorder"))}
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) Store() storage.Store          { return a.store }
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Subscribers first so the first run is never missed.
	if a.rec != nil {
		events, unsub := a.bus.Subscribe(256, engine.EventSkipped, engine.EventSucceeded, engine.EventFailed)
		a.sup.Go0("runs.record", func(c context.Context) {
			defer unsub()
			a.rec.run(c, events)
		})
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise from frequent schedules.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	schedCfg, _ := mapSchedulerConfig(a.cfgm.Get())
	a.sched.Start(a.sup.Context(), schedCfg.Tick)

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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

	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Int("jobs", a.sched.Registry().Len()))
	return nil
}

// applyConfig pushes a validated config into the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	if a.stopping.Load() {
		return
	}
	sections, attrs, changedTasks := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(changedTasks) > 0 {
		a.log.Debug("task changes detected", logx.Any("tasks", changedTasks))
	}
	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("engine") {
		a.log.Warn("engine config changed; restart required for changes to take effect")
	}

	if changed("capture") {
		cc, _ := mapCaptureConfig(newCfg)
		if act, err := capture.Open(cc, a.log); err != nil {
			a.log.Warn("invalid capture config; keeping previous", logx.Err(err))
		} else {
			a.action.Set(act)
		}
	}

	if changed("scheduler") {
		if d, err := mapDrainTimeout(newCfg); err == nil {
			a.drainTimeout.Store(int64(d))
		}
		if sc, err := mapSchedulerConfig(newCfg); err == nil {
			a.sched.Apply(sc)
		}
	}

	if changed("tasks") {
		a.sched.Sync(newCfg.Tasks)
	}

	if changed("notifier") {
		a.applyNotifier(ctx, newCfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	ncfg, token, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	var sender notifier.Sender
	if ncfg.Enabled && token != a.notifToken {
		tg, err := notifier.NewTelegram(token)
		if err != nil {
			a.log.Warn("notifier sender init failed; keeping previous", logx.Err(err))
			return
		}
		sender = tg
		a.notifToken = token
	}
	prev := a.notif.Enabled()
	a.notif.Apply(ncfg, sender)
	switch {
	case prev && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prev && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(a.sup.Context())
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started; only RunTask captures can be in flight.
		if err := a.engine.Drain(ctx); err != nil {
			a.engine.Abort()
		}
		if a.store != nil {
			_ = a.store.Close()
		}
		if a.logs != nil {
			_ = a.logs.Close()
		}
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.stopping.Store(true)

	// Stop triggering first; in-flight captures are not cancelled by this.
	a.sched.Stop()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("engine.drain", time.Duration(a.drainTimeout.Load()), func(c context.Context) error {
		err := a.engine.Drain(c)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("captures still running; aborting", logx.Int("in_flight", a.engine.InFlight()))
			a.engine.Abort()
			// Give aborted actions a moment to report so their runs get recorded.
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = a.engine.Drain(wctx)
			return nil
		}
		return err
	})
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })

	// Recorder and watcher exit on cancel; the engine has already published
	// its last events.
	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if c.Err() != nil {
			for _, g := range a.sup.Snapshot() {
				if g.Active > 0 {
					a.log.Warn("goroutine still running", logx.String("name", g.Name), logx.Time("since", g.LastStartAt))
				}
			}
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
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
