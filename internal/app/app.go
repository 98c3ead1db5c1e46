package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"agentorch/internal/clock"
	"agentorch/internal/completion"
	"agentorch/internal/config"
	"agentorch/internal/eventbus"
	"agentorch/internal/execution"
	"agentorch/internal/monitor"
	"agentorch/internal/notifier"
	"agentorch/internal/observability/metrics"
	"agentorch/internal/observability/pprof"
	"agentorch/internal/opsapi"
	"agentorch/internal/performance"
	rtsup "agentorch/internal/runtime/supervisor"
	"agentorch/internal/storage"
	"agentorch/internal/task/engine"
	"agentorch/internal/task/scheduler"
	logx "agentorch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	engine  *engine.Service
	exec    *execution.Machine
	sched   *scheduler.Service
	monitor *monitor.Collector
	perf    *performance.Aggregator
	notif   *notifier.Service
	http    *opsapi.Server

	schedEnabled bool
}

// NewApp loads the config at cfgPath and wires every component. Nothing is
// started until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.NewService(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          eventbus.New(),
		metrics:      metrics.New(),
		schedEnabled: cfg.Scheduler.IsEnabled(),
	}
	if err := a.wire(cfg, root); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config, root logx.Logger) error {
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }
	clk := clock.Real()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, comp("taskengine"), a.bus)
	a.engine.SetMetrics(a.metrics)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}

	client, err := completion.New(mapCompletionConfig(cfg))
	if err != nil {
		return err
	}
	// The machine and the registry share a location so recurring tasks are
	// rescheduled in the zone they were registered in.
	loc, err := loadLocation(schedCfg.Timezone)
	if err != nil {
		return err
	}
	execCfg, err := mapExecutionConfig(cfg, loc)
	if err != nil {
		return err
	}
	a.exec = execution.New(execCfg, st, client, a.engine, comp("execution"), a.bus, execution.WithMetrics(a.metrics))
	a.sched = scheduler.New(schedCfg, st, a.exec, comp("scheduler"), a.bus, scheduler.WithMetrics(a.metrics))

	monCfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return err
	}
	alerts := monitor.NewAlertEngine(st, monCfg.Thresholds, clk, comp("alerts"), a.bus)
	a.monitor = monitor.NewCollector(monCfg, a.systemSource(cfg, clk),
		monitor.NewApplicationSource(st, a.bus, clk), alerts, clk, comp("monitor"), a.bus)
	a.monitor.SetMetrics(a.metrics)

	perfCfg, err := mapPerformanceConfig(cfg)
	if err != nil {
		return err
	}
	a.perf = performance.New(perfCfg, st, clk, comp("performance"), a.bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	sinks, err := buildSinks(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, sinks, comp("notifier"), a.bus, st)

	if cfg.HTTP.Enabled {
		srvCfg, err := mapServerConfig(cfg)
		if err != nil {
			return err
		}
		api := opsapi.New(opsapi.Deps{
			Store:       st,
			Scheduler:   a.sched,
			Executions:  a.exec,
			Monitor:     a.monitor,
			Performance: a.perf,
			Metrics:     a.metrics.Handler(),
			Log:         comp("opsapi"),
		})
		pp := mapPprofConfig(cfg)
		if cfg.HTTP.Pprof {
			pprof.ApplyRuntimeRates(pp)
		}
		handler := api.Router(opsapi.RouterOptions{Token: srvCfg.Token, Pprof: cfg.HTTP.Pprof, PprofPrefix: pp.Prefix})
		a.http = opsapi.NewServer(srvCfg, handler, comp("http"))
	}
	return nil
}

// systemSource picks the host sampler unless "simulated" is requested. An
// unavailable host sampler falls back to the simulated one.
func (a *App) systemSource(cfg *config.Config, clk clock.Clock) monitor.SystemSource {
	if strings.EqualFold(strings.TrimSpace(cfg.Monitor.SystemSource), "simulated") {
		return monitor.NewSimulatedSource(clk, time.Now().UnixNano())
	}
	host, err := monitor.NewHostSource(cfg.Monitor.DiskPath, clk)
	if err != nil {
		a.log.Warn("host metrics unavailable; using simulated source", logx.String("os", runtime.GOOS), logx.Err(err))
		return monitor.NewSimulatedSource(clk, time.Now().UnixNano())
	}
	return host
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

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

// HTTPAddr blocks until the ops listener is bound. It fails when HTTP is
// disabled.
func (a *App) HTTPAddr(ctx context.Context) (string, error) {
	if a.http == nil {
		return "", errors.New("http disabled")
	}
	return a.http.Addr(ctx)
}

// Start brings components up in dependency order: pool, registry, samplers,
// notifier, then the ops listener.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapMonitorConfig(cfg); err != nil {
			return err
		}
		_, err := mapPerformanceConfig(cfg)
		return err
	})

	a.engine.Start(run)
	if a.schedEnabled {
		if err := a.sched.Start(run); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	} else {
		a.log.Info("scheduler disabled via config")
	}
	a.monitor.Start(run)
	a.perf.Start(run)
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	if a.http != nil {
		if err := a.http.Start(run); err != nil {
			return err
		}
	}

	// Debug trace of bus traffic; components subscribe for themselves.
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

	a.log.Info("app started")
	return nil
}

// applyConfig applies the hot-reloadable sections and warns about the rest.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if !config.HotReloadable(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	a.monitor.Alerts().UpdateThresholds(mapThresholds(newCfg.Monitor.Thresholds))

	if pc, err := mapPerformanceConfig(newCfg); err != nil {
		a.log.Warn("invalid performance config; keeping previous", logx.Err(err))
	} else {
		a.perf.SetCacheTTL(pc.CacheTTL)
	}

	prevNotif := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevNotif && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevNotif && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
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

	// Outer surface first, storage last.
	step("http", 2*time.Second, func(c context.Context) error {
		if a.http != nil {
			a.http.Stop(c)
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("monitor", 1*time.Second, func(c context.Context) error { a.monitor.Stop(c); return nil })
	step("performance", 1*time.Second, func(c context.Context) error { a.perf.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return a.notif.Close()
	})
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
