package monitor

import (
	"context"
	"sync"
	"time"

	"agentorch/internal/clock"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	logx "agentorch/pkg/logx"

	rtsup "agentorch/internal/runtime/supervisor"
)

// Collector runs the system sampler, the application sampler and the alert
// evaluator on independent intervals.
type Collector struct {
	cfg    Config
	sys    SystemSource
	app    *ApplicationSource
	alerts *AlertEngine
	clock  clock.Clock
	bus    eventbus.Bus
	log    logx.Logger

	sysRing *Ring[SystemSnapshot]
	appRing *Ring[ApplicationSnapshot]

	mu      sync.Mutex
	metrics Metrics
	sup     *rtsup.Supervisor
}

func NewCollector(cfg Config, sys SystemSource, app *ApplicationSource, alerts *AlertEngine, c clock.Clock, log logx.Logger, bus eventbus.Bus) *Collector {
	cfg = cfg.withDefaults()
	if c == nil {
		c = clock.Real()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Collector{
		cfg:     cfg,
		sys:     sys,
		app:     app,
		alerts:  alerts,
		clock:   c,
		bus:     bus,
		log:     log,
		sysRing: NewRing[SystemSnapshot](cfg.BufferSize),
		appRing: NewRing[ApplicationSnapshot](cfg.BufferSize),
	}
}

// SetMetrics installs an optional observer. Call before Start.
func (c *Collector) SetMetrics(m Metrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
	c.alerts.SetMetrics(m)
}

func (c *Collector) Alerts() *AlertEngine { return c.alerts }

// Start takes one system and one application sample immediately, then
// samples on the configured intervals until Stop.
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.sup != nil {
		c.mu.Unlock()
		return
	}
	c.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	sup := c.sup
	c.mu.Unlock()

	c.sampleSystem(sup.Context())
	c.sampleApplication(sup.Context())

	sup.GoRestart("monitor.system", c.loop(c.cfg.SystemInterval, c.sampleSystem), rtsup.WithPublishFirstError(true))
	sup.GoRestart("monitor.application", c.loop(c.cfg.ApplicationInterval, c.sampleApplication), rtsup.WithPublishFirstError(true))
	sup.GoRestart("monitor.alerts", c.loop(c.cfg.AlertInterval, c.evaluate), rtsup.WithPublishFirstError(true))

	c.log.Info("monitor started",
		logx.Duration("system_interval", c.cfg.SystemInterval),
		logx.Duration("application_interval", c.cfg.ApplicationInterval),
		logx.Duration("alert_interval", c.cfg.AlertInterval),
		logx.Int("buffer", c.cfg.BufferSize),
	)
}

func (c *Collector) Stop(ctx context.Context) {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		c.log.Warn("monitor stop timed out", logx.Err(err))
		return
	}
	c.log.Info("monitor stopped")
}

func (c *Collector) loop(every time.Duration, fn func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		t := c.clock.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C():
				fn(ctx)
			}
		}
	}
}

func (c *Collector) sampleSystem(ctx context.Context) {
	if _, err := c.SampleSystemNow(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("system sample failed", logx.Err(err))
	}
}

func (c *Collector) sampleApplication(ctx context.Context) {
	if _, err := c.SampleApplicationNow(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("application sample failed", logx.Err(err))
	}
}

func (c *Collector) evaluate(ctx context.Context) {
	if _, err := c.EvaluateNow(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("alert evaluation failed", logx.Err(err))
	}
}

// SampleSystemNow takes one system sample and appends it to the history.
func (c *Collector) SampleSystemNow(ctx context.Context) (SystemSnapshot, error) {
	s, err := c.sys.Sample(ctx)
	if err != nil {
		return SystemSnapshot{}, err
	}
	c.sysRing.Push(s)
	if m := c.observer(); m != nil {
		m.ObserveSystem(s)
	}
	return s, nil
}

// SampleApplicationNow takes one application sample, appends it and
// publishes the aggregate system status.
func (c *Collector) SampleApplicationNow(ctx context.Context) (ApplicationSnapshot, error) {
	s, err := c.app.Sample(ctx)
	if err != nil {
		return ApplicationSnapshot{}, err
	}
	c.appRing.Push(s)
	if m := c.observer(); m != nil {
		m.ObserveApplication(s)
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.SystemStatus, Time: s.Timestamp, Data: eventbus.SystemStatusData{
		Agents:            s.Agents.Total,
		ActiveAgents:      s.Agents.Active,
		Tasks:             s.Tasks.Total,
		RunningExecutions: s.Executions.Running,
	}})
	return s, nil
}

// EvaluateNow runs the alert rules against the latest snapshots.
func (c *Collector) EvaluateNow(ctx context.Context) ([]domain.Alert, error) {
	cur := c.Latest()
	return c.alerts.Evaluate(ctx, cur.System, cur.Application)
}

// SystemHistory returns up to limit snapshots, oldest first; limit <= 0
// means 100.
func (c *Collector) SystemHistory(limit int) []SystemSnapshot {
	if limit <= 0 {
		limit = 100
	}
	return c.sysRing.Last(limit)
}

func (c *Collector) ApplicationHistory(limit int) []ApplicationSnapshot {
	if limit <= 0 {
		limit = 100
	}
	return c.appRing.Last(limit)
}

func (c *Collector) Latest() Current {
	var cur Current
	if s, ok := c.sysRing.Latest(); ok {
		cur.System = &s
	}
	if a, ok := c.appRing.Latest(); ok {
		cur.Application = &a
	}
	return cur
}

// Health evaluates the latest snapshots against the current thresholds.
func (c *Collector) Health() HealthReport {
	cur := c.Latest()
	return EvaluateHealth(cur.System, cur.Application, c.alerts.Thresholds(), c.clock.Now())
}

func (c *Collector) observer() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}
