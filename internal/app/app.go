package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"pewsched/internal/config"
	"pewsched/internal/eventbus"
	"pewsched/internal/invoker"
	"pewsched/internal/notifier"
	"pewsched/internal/observability/diag"
	rtsup "pewsched/internal/runtime/supervisor"
	"pewsched/internal/storage"
	"pewsched/internal/task/engine"
	"pewsched/internal/task/scheduler"
	kit "pewsched/internal/transport"
	"pewsched/internal/transport/telegram"
	logx "pewsched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sender kit.Sender
	engine *engine.Service
	sched  *scheduler.Service
	notif  *notifier.Service
	diag   *diag.Service

	// Services run under svcCtx so Stop can drain them before the
	// supervised loops are cancelled.
	svcCtx    context.Context
	svcCancel context.CancelFunc

	drain atomic.Int64 // time.Duration
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	sender, err := newSender(cfg, log)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	ncfg, _ := mapNotifierConfig(cfg)
	var dedup notifier.DedupStore
	if store != nil {
		dedup = store
	}
	notifSvc := notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus, dedup)

	scfg, _ := mapSchedulerConfig(cfg)
	opts := []engine.Option{engine.WithNotifier(notifSvc)}
	if store != nil {
		opts = append(opts, engine.WithRecorder(store))
	}
	engineSvc := engine.New(scfg.Engine, log.With(logx.String("comp", "taskengine")), bus, opts...)

	var inv scheduler.Invoker
	if icfg, enabled, _ := mapInvokerConfig(cfg); enabled {
		h, err := invoker.New(icfg, log.With(logx.String("comp", "invoker")))
		if err != nil {
			closeStore(store)
			return nil, err
		}
		inv = h
	}
	schedSvc := scheduler.New(scfg, engineSvc, inv, log.With(logx.String("comp", "scheduler")))

	dcfg, _ := mapDiagConfig(cfg)
	diagSvc := diag.New(dcfg, log.With(logx.String("comp", "diag")), map[string]diag.View{
		"scheduler": func() any { return schedSvc.Snapshot() },
		"notifier":  func() any { return notifSvc.History() },
		"eventbus":  func() any { return map[string]uint64{"dropped": eventbus.Dropped(bus)} },
		"goroutines": func() any {
			return map[string]rtsup.Counters{
				"engine":   engineSvc.Supervisor().Counters(),
				"notifier": notifSvc.Supervisor().Counters(),
			}
		},
	})

	drain, _ := mapDrainTimeout(cfg)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		sender: sender,
		engine: engineSvc,
		sched:  schedSvc,
		notif:  notifSvc,
		diag:   diagSvc,
	}
	a.drain.Store(int64(drain))
	return a, nil
}

// newSender picks Telegram when a token is configured and the log otherwise.
func newSender(cfg *config.Config, log logx.Logger) (kit.Sender, error) {
	if tc := cfg.Telegram; tc != nil && strings.TrimSpace(tc.Token) != "" {
		ad, err := telegram.New(telegram.Config{Token: tc.Token, APIURL: tc.APIURL}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		return ad, nil
	}
	return kit.NewLogSender(log.With(logx.String("comp", "notify"))), nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// Scheduler exposes the scheduling API for embedders.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Bus exposes the event bus for embedders.
func (a *App) Bus() eventbus.Bus { return a.bus }

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
	a.svcCtx, a.svcCancel = context.WithCancel(context.WithoutCancel(ctx))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	if a.notif.Enabled() {
		a.notif.Start(a.svcCtx)
	}
	a.sched.Start(a.svcCtx)
	if a.diag.Enabled() {
		a.diag.Start(a.svcCtx)
	}

	specs, err := mapJobs(a.cfgm.Get())
	if err != nil {
		return err
	}
	if err := a.sched.SyncJobs(specs); err != nil {
		// Bad entries are skipped; valid jobs are already registered.
		a.log.Warn("some jobs were not registered", logx.Err(err))
	}

	// Debug trail of every bus event.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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

	a.log.Info("app started", logx.Int("jobs", len(specs)))
	return nil
}

// applyConfig pushes a validated config into the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "invoker", "telegram":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if err := a.logs.Apply(mapLogConfig(newCfg)); err != nil {
		a.log.Warn("logging reconfigured without file sink", logx.Err(err))
	}

	if scfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
	}
	if d, err := mapDrainTimeout(newCfg); err == nil {
		a.drain.Store(int64(d))
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if prev && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prev && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(a.svcCtx)
		}
	}

	if dcfg, err := mapDiagConfig(newCfg); err != nil {
		a.log.Warn("invalid diagnostics config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(a.svcCtx, dcfg)
	}

	if len(jobsChanged) > 0 {
		specs, err := mapJobs(newCfg)
		if err != nil {
			a.log.Warn("invalid jobs; keeping previous", logx.Err(err))
		} else if err := a.sched.SyncJobs(specs); err != nil {
			a.log.Warn("some jobs were not registered", logx.Err(err))
		}
		a.log.Debug("job changes applied", logx.Strs("jobs", jobsChanged))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop reacting to config changes before draining.
	a.sup.Cancel()

	// step runs a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Due tasks drain first so their final notifications still go out.
	step("scheduler", time.Duration(a.drain.Load()), func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	a.svcCancel()
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
