package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"spidersched/internal/config"
	"spidersched/internal/control"
	"spidersched/internal/eventbus"
	"spidersched/internal/notifier"
	rtsup "spidersched/internal/runtime/supervisor"
	"spidersched/internal/scrapyd"
	"spidersched/internal/status"
	"spidersched/internal/storage"
	"spidersched/internal/task/engine"
	"spidersched/internal/task/scheduler"
	"spidersched/internal/transport/web"
	logx "spidersched/pkg/logx"
	"spidersched/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client *scrapyd.Client
	timers *scheduler.TimerSet
	merger *status.Merger
	engine *engine.Service
	ctrl   *control.Controller
	driver *scheduler.Driver
	notif  *notifier.Service
	web    *web.Server

	sd   *systemd.Notifier
	unit *systemd.UnitProbe
}

func NewApp(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	cfgm := config.NewManager(cfgPath, bootLog)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	scfg, jobsTTL, err := mapScrapydConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := scrapyd.NewClient(scfg, scrapyd.WithLogger(log.With(logx.String("comp", "scrapyd"))))
	if err != nil {
		return nil, err
	}
	source := scrapyd.NewSource(client, jobsTTL)

	// The timer set reports dispatch failures to the controller, which is
	// built after it.
	var ctrl *control.Controller
	timers := scheduler.NewTimerSet(
		scheduler.WithLogger(log.With(logx.String("comp", "timers"))),
		scheduler.WithBus(bus),
		scheduler.WithErrorHandler(func(k scheduler.Key, err error) {
			if ctrl != nil {
				ctrl.HandleTimerError(k, err)
			}
		}),
	)

	cacheTTL, err := mapSpiderCacheTTL(cfg)
	if err != nil {
		return nil, err
	}
	merger := status.NewMerger(source, source,
		status.WithLogger(log),
		status.WithCacheTTL(cacheTTL),
		status.WithTimers(status.TimerLookupFunc(func(project, spider string) (time.Time, bool) {
			return timers.NextFireTime(scheduler.Key{Project: project, Spider: spider})
		})),
	)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	defaults, err := mapScheduleDefaults(cfg)
	if err != nil {
		return nil, err
	}
	ctrlOpts := []control.Option{
		control.WithLogger(log.With(logx.String("comp", "control"))),
		control.WithProjectLister(client),
	}
	if store != nil {
		ctrlOpts = append(ctrlOpts, control.WithStore(store))
	}
	ctrl = control.New(timers, merger, client, eng, defaults, ctrlOpts...)

	dcfg, err := mapDriverConfig(cfg)
	if err != nil {
		return nil, err
	}
	driver := scheduler.NewDriver(dcfg, timers, log.With(logx.String("comp", "scheduler")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	sender, err := newSender(cfg)
	if err != nil {
		return nil, err
	}
	if ncfg.Enabled && sender == nil {
		log.Warn("notifier enabled but notifier.telegram token or chat_id is missing; alerts are off")
	}
	notif := notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus, store)

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		client: client,
		timers: timers,
		merger: merger,
		engine: eng,
		ctrl:   ctrl,
		driver: driver,
		notif:  notif,
		sd:     systemd.NewNotifier(log.With(logx.String("comp", "systemd"))),
	}
	if unit := strings.TrimSpace(cfg.Scrapyd.Unit); unit != "" {
		a.unit = systemd.NewUnitProbe(unit, 0)
	}

	wcfg, err := mapWebConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.web = web.New(wcfg, ctrl, log.With(logx.String("comp", "web")), a.healthOptions()...)

	return a, nil
}

func (a *App) healthOptions() []web.Option {
	opts := []web.Option{
		web.WithHealth("engine", func() any { return a.engine.Snapshot() }),
		web.WithHealth("scheduler", func() any { return a.driver.Status() }),
		web.WithHealth("notifier", func() any {
			return map[string]any{"enabled": a.notif.Enabled(), "recent": len(a.notif.History())}
		}),
		web.WithHealth("supervisors", func() any { return a.supervisors() }),
		web.WithHealth("scrapyd", func() any {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			st, err := a.client.DaemonStatus(ctx)
			if err != nil {
				return map[string]any{"reachable": false, "error": err.Error()}
			}
			return st
		}),
		web.WithHealth("eventbus", func() any {
			return map[string]uint64{"dropped": eventbus.Dropped(a.bus)}
		}),
	}
	if a.unit != nil {
		opts = append(opts, web.WithHealth("scrapyd_unit", func() any {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.unit.Status(ctx)
		}))
	}
	return opts
}

func (a *App) supervisors() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	add := func(name string, s *rtsup.Supervisor) {
		if s != nil {
			out[name] = s.Snapshot()
		}
	}
	add("app", a.sup)
	add("task.engine", a.engine.Supervisor())
	add("scheduler", a.driver.Supervisor())
	add("notifier", a.notif.Supervisor())
	add("web", a.web.Supervisor())
	return out
}

// Controller exposes the schedule controller (used by tests and the web layer).
func (a *App) Controller() *control.Controller { return a.ctrl }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Engine before driver: a fired timer must find a running queue.
	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.driver.Enabled() {
		a.driver.Start(runCtx)
	}
	if a.web.Enabled() {
		a.web.Start(runCtx)
	}

	if projects := a.cfgm.Get().Scheduler.InstallOnStart; len(projects) > 0 {
		a.sup.Go0("install.on_start", func(c context.Context) {
			n := a.ctrl.InstallOnStart(c, projects)
			a.log.Info("startup install done", logx.String("projects", strings.Join(projects, ",")), logx.Int("timers", n))
		})
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
				// Timers fire every tick; keep this at debug.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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

	a.sd.Ready()
	a.sd.Status("scheduling")
	if every := systemd.WatchdogInterval(); every > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			a.sd.RunWatchdog(c, every, a.healthy)
		})
	}

	a.log.Info("app started",
		logx.String("scrapyd", a.client.BaseURL()),
		logx.Bool("scheduler", a.driver.Enabled()),
		logx.Bool("web", a.web.Enabled()),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

// healthy gates watchdog pings: a running driver must have ticked recently.
func (a *App) healthy() bool {
	st := a.driver.Status()
	if !st.Running || st.LastTickAt.IsZero() {
		return true
	}
	return time.Since(st.LastTickAt) < 10*st.Tick+5*time.Second
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	a.sd.Reloading()
	defer a.sd.Ready()

	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changed in sections that need a restart", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if ttl, err := mapSpiderCacheTTL(newCfg); err == nil {
		a.merger.SetCacheTTL(ttl)
	}

	engCfg, engErr := mapTaskEngineConfig(newCfg)
	if engErr != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(engErr))
	}
	dcfg, drvErr := mapDriverConfig(newCfg)
	if drvErr != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(drvErr))
	}
	// Stop the tick loop before its engine; start the engine before its tick loop.
	if drvErr == nil && !dcfg.Enabled {
		a.driver.Apply(c, dcfg)
	}
	if engErr == nil {
		a.engine.Apply(c, engCfg)
	}
	if drvErr == nil && dcfg.Enabled {
		a.driver.Apply(c, dcfg)
	}

	if d, err := mapScheduleDefaults(newCfg); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else if err := a.ctrl.Apply(c, d); err != nil {
		a.log.Warn("schedule apply failed", logx.Err(err))
	}

	a.applyNotifier(c, oldCfg, newCfg)

	if wcfg, err := mapWebConfig(newCfg); err != nil {
		a.log.Warn("invalid web config; keeping previous", logx.Err(err))
	} else {
		a.web.Reconfigure(c, wcfg)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(c context.Context, oldCfg, newCfg *config.Config) {
	prevEnabled := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	if telegramOf(oldCfg) != telegramOf(newCfg) || ncfg.Enabled != prevEnabled {
		sender, err := newSender(newCfg)
		if err != nil {
			a.log.Warn("telegram sender rebuild failed; keeping previous", logx.Err(err))
		} else {
			a.notif.SetSender(sender)
		}
	}
	a.notif.Apply(ncfg)

	now := a.notif.Enabled()
	switch {
	case prevEnabled && !now:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevEnabled && now:
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}
}

func telegramOf(cfg *config.Config) config.TelegramConfig {
	if cfg == nil || cfg.Notifier == nil {
		return config.TelegramConfig{}
	}
	return cfg.Notifier.Telegram
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			// fn must honor stepCtx; a late return is logged as a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Order: stop accepting requests, stop firing timers, drain triggers, then alerts.
	step("web", 2*time.Second, func(c context.Context) error { a.web.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.driver.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("systemd", time.Second, func(c context.Context) error {
		if a.unit != nil {
			return a.unit.Close()
		}
		return nil
	})
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
