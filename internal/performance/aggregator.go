package performance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentorch/internal/clock"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	logx "agentorch/pkg/logx"

	rtsup "agentorch/internal/runtime/supervisor"
)

const (
	defaultCacheTTL        = 5 * time.Minute
	defaultRefreshInterval = 10 * time.Minute
	defaultConcurrency     = 4
)

type Config struct {
	CacheTTL           time.Duration
	RefreshInterval    time.Duration
	RefreshConcurrency int
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaultRefreshInterval
	}
	if c.RefreshConcurrency <= 0 {
		c.RefreshConcurrency = defaultConcurrency
	}
	return c
}

// Store is the read side the aggregator needs plus the performance write.
type Store interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	SetAgentPerformance(ctx context.Context, id string, p domain.PerformanceSnapshot) error
	StatusHistory(ctx context.Context, agentID string) ([]domain.StatusChange, error)
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]domain.Task, error)
	ListExecutions(ctx context.Context, f storage.ExecutionFilter) ([]domain.Execution, error)
}

type Rankings struct {
	Overall     int `json:"overall"`
	ByType      int `json:"byType"`
	ByModel     int `json:"byModel"`
	TotalAgents int `json:"totalAgents"`
}

// Ranked pairs an agent with its metrics in a Top listing.
type Ranked struct {
	AgentID string  `json:"agentId"`
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Model   string  `json:"model"`
	Metrics Metrics `json:"metrics"`
}

// Metric names accepted by Top.
const (
	ByScore          = "performanceScore"
	BySuccessRate    = "successRate"
	ByEfficiency     = "efficiency"
	ByReliability    = "reliability"
	ByTasksCompleted = "tasksCompleted"
)

func metricValue(m Metrics, metric string) (float64, bool) {
	switch metric {
	case ByScore:
		return m.PerformanceScore, true
	case BySuccessRate:
		return m.SuccessRate, true
	case ByEfficiency:
		return m.Efficiency, true
	case ByReliability:
		return m.Reliability, true
	case ByTasksCompleted:
		return float64(m.TasksCompleted), true
	}
	return 0, false
}

type cached struct {
	m  Metrics
	at time.Time
}

// Aggregator computes agent metrics on demand and keeps a short-lived cache.
// Concurrent refreshes of one agent are last-write-wins.
type Aggregator struct {
	store Store
	clock clock.Clock
	bus   eventbus.Bus
	log   logx.Logger

	mu    sync.RWMutex
	cfg   Config
	cache map[string]cached

	lifeMu sync.Mutex
	sup    *rtsup.Supervisor
}

func New(cfg Config, store Store, c clock.Clock, log logx.Logger, bus eventbus.Bus) *Aggregator {
	if c == nil {
		c = clock.Real()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Aggregator{
		store: store,
		clock: c,
		bus:   bus,
		log:   log,
		cfg:   cfg.withDefaults(),
		cache: map[string]cached{},
	}
}

// SetCacheTTL changes the TTL for entries cached from now on and for the
// freshness checks of existing ones.
func (a *Aggregator) SetCacheTTL(d time.Duration) {
	if d <= 0 {
		d = defaultCacheTTL
	}
	a.mu.Lock()
	a.cfg.CacheTTL = d
	a.mu.Unlock()
}

func (a *Aggregator) Invalidate(agentID string) {
	a.mu.Lock()
	delete(a.cache, agentID)
	a.mu.Unlock()
}

// Metrics returns the agent's metrics, from cache when fresh.
func (a *Aggregator) Metrics(ctx context.Context, agentID string) (Metrics, error) {
	now := a.clock.Now()
	a.mu.RLock()
	c, ok := a.cache[agentID]
	ttl := a.cfg.CacheTTL
	a.mu.RUnlock()
	if ok && now.Sub(c.at) < ttl {
		return c.m, nil
	}

	ag, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		return Metrics{}, err
	}
	return a.compute(ctx, ag)
}

func (a *Aggregator) compute(ctx context.Context, ag domain.Agent) (Metrics, error) {
	execs, err := a.store.ListExecutions(ctx, storage.ExecutionFilter{AgentID: ag.ID})
	if err != nil {
		return Metrics{}, fmt.Errorf("list executions: %w", err)
	}
	tasks, err := a.store.ListTasks(ctx, storage.TaskFilter{AssignedTo: ag.ID})
	if err != nil {
		return Metrics{}, fmt.Errorf("list tasks: %w", err)
	}
	hist, err := a.store.StatusHistory(ctx, ag.ID)
	if err != nil {
		return Metrics{}, fmt.Errorf("status history: %w", err)
	}
	now := a.clock.Now()
	m := Compute(ag, execs, tasks, hist, now)

	a.mu.Lock()
	a.cache[ag.ID] = cached{m: m, at: now}
	a.mu.Unlock()
	return m, nil
}

type scored struct {
	agent domain.Agent
	m     Metrics
}

func (a *Aggregator) all(ctx context.Context) ([]scored, error) {
	agents, err := a.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]scored, 0, len(agents))
	for _, ag := range agents {
		m, err := a.Metrics(ctx, ag.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, scored{agent: ag, m: m})
	}
	return out, nil
}

// Rankings places the agent among all agents, among agents of the same type
// and among agents on the same model. Ranks are 1-based by score.
func (a *Aggregator) Rankings(ctx context.Context, agentID string) (Rankings, error) {
	if _, err := a.store.GetAgent(ctx, agentID); err != nil {
		return Rankings{}, err
	}
	all, err := a.all(ctx)
	if err != nil {
		return Rankings{}, err
	}
	sortBy(all, ByScore)

	var self domain.Agent
	for _, s := range all {
		if s.agent.ID == agentID {
			self = s.agent
		}
	}
	r := Rankings{TotalAgents: len(all)}
	r.Overall = rankOf(all, agentID, func(domain.Agent) bool { return true })
	r.ByType = rankOf(all, agentID, func(o domain.Agent) bool { return o.Type == self.Type })
	r.ByModel = rankOf(all, agentID, func(o domain.Agent) bool { return o.Model == self.Model })
	return r, nil
}

func rankOf(sorted []scored, id string, same func(domain.Agent) bool) int {
	n := 0
	for _, s := range sorted {
		if !same(s.agent) {
			continue
		}
		n++
		if s.agent.ID == id {
			return n
		}
	}
	return 0
}

// sortBy orders descending by metric, ties by agent id.
func sortBy(s []scored, metric string) {
	sort.SliceStable(s, func(i, j int) bool {
		vi, _ := metricValue(s[i].m, metric)
		vj, _ := metricValue(s[j].m, metric)
		if vi != vj {
			return vi > vj
		}
		return s[i].agent.ID < s[j].agent.ID
	})
}

// Top lists the best agents by metric; an empty metric means the score and
// limit <= 0 means 10.
func (a *Aggregator) Top(ctx context.Context, limit int, metric string) ([]Ranked, error) {
	if metric == "" {
		metric = ByScore
	}
	if _, ok := metricValue(Metrics{}, metric); !ok {
		return nil, domain.Validation("metric", fmt.Sprintf("unknown metric %q", metric))
	}
	if limit <= 0 {
		limit = 10
	}
	all, err := a.all(ctx)
	if err != nil {
		return nil, err
	}
	sortBy(all, metric)
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]Ranked, 0, len(all))
	for _, s := range all {
		out = append(out, Ranked{AgentID: s.agent.ID, Name: s.agent.Name, Type: s.agent.Type, Model: s.agent.Model, Metrics: s.m})
	}
	return out, nil
}

// RefreshAll recomputes every agent and persists the snapshot on the agent.
// A failing agent is logged and skipped; the count of refreshed agents is
// returned.
func (a *Aggregator) RefreshAll(ctx context.Context) (int, error) {
	agents, err := a.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}
	a.mu.RLock()
	limit := a.cfg.RefreshConcurrency
	a.mu.RUnlock()

	var (
		mu sync.Mutex
		n  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, ag := range agents {
		g.Go(func() error {
			m, err := a.compute(gctx, ag)
			if err == nil {
				err = a.store.SetAgentPerformance(gctx, ag.ID, m.PerformanceSnapshot)
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.log.Warn("performance refresh failed", logx.String("agent", ag.ID), logx.Err(err))
				return nil
			}
			mu.Lock()
			n++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return n, err
	}
	a.log.Debug("performance refreshed", logx.Int("agents", n), logx.Int("total", len(agents)))
	return n, nil
}

// Start refreshes on the configured interval and drops cache entries of
// agents whose executions finish.
func (a *Aggregator) Start(ctx context.Context) {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()
	if a.sup != nil {
		return
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("performance.invalidate", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.onEvent(e)
			}
		}
	})

	a.mu.RLock()
	every := a.cfg.RefreshInterval
	a.mu.RUnlock()
	a.sup.GoRestart("performance.refresh", func(ctx context.Context) error {
		t := a.clock.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C():
				if _, err := a.RefreshAll(ctx); err != nil && ctx.Err() == nil {
					a.log.Warn("performance refresh failed", logx.Err(err))
				}
			}
		}
	}, rtsup.WithPublishFirstError(true))

	a.log.Info("performance aggregator started", logx.Duration("refresh_interval", every))
}

func (a *Aggregator) onEvent(e eventbus.Event) {
	if e.Type != eventbus.ExecutionStatus {
		return
	}
	d, ok := e.Data.(eventbus.ExecutionStatusData)
	if !ok || !domain.ExecutionStatus(d.Status).Terminal() {
		return
	}
	a.Invalidate(d.AgentID)
}

func (a *Aggregator) Stop(ctx context.Context) {
	a.lifeMu.Lock()
	sup := a.sup
	a.sup = nil
	a.lifeMu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		a.log.Warn("performance aggregator stop timed out", logx.Err(err))
	}
}
