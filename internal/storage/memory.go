package storage

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"agentorch/internal/domain"
)

// Memory is a process-local Store. Values are copied in and out so callers
// never share state with the store.
type Memory struct {
	mu     sync.RWMutex
	seq    uint64
	closed bool

	agents     map[string]*domain.Agent
	history    map[string][]domain.StatusChange
	tasks      map[string]*domain.Task
	executions map[string]*memExecution
	logs       map[string][]domain.ExecutionLog
	messages   []domain.Message
	alerts     map[string]*memAlert
	dedup      map[string]time.Time
}

type memExecution struct {
	seq uint64
	e   domain.Execution
}

type memAlert struct {
	seq uint64
	a   domain.Alert
}

func NewMemory() *Memory {
	return &Memory{
		agents:     map[string]*domain.Agent{},
		history:    map[string][]domain.StatusChange{},
		tasks:      map[string]*domain.Task{},
		executions: map[string]*memExecution{},
		logs:       map[string][]domain.ExecutionLog{},
		alerts:     map[string]*memAlert{},
		dedup:      map[string]time.Time{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrClosed
	}
	return nil
}

// ---- agents ----

func copyAgent(a domain.Agent) domain.Agent {
	a.Capabilities = slices.Clone(a.Capabilities)
	if a.Performance != nil {
		p := *a.Performance
		a.Performance = &p
	}
	return a
}

func (m *Memory) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return domain.Agent{}, err
	}
	a, ok := m.agents[id]
	if !ok {
		return domain.Agent{}, domain.NotFound("agent", id)
	}
	return copyAgent(*a), nil
}

func (m *Memory) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]domain.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, copyAgent(*a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PutAgent(ctx context.Context, a *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	stampAgent(a, time.Now())
	if prev, ok := m.agents[a.ID]; ok {
		a.CreatedAt = prev.CreatedAt
	}
	c := copyAgent(*a)
	m.agents[a.ID] = &c
	return nil
}

func (m *Memory) SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	a, ok := m.agents[id]
	if !ok {
		return domain.NotFound("agent", id)
	}
	a.Status, a.UpdatedAt = status, at
	m.history[id] = append(m.history[id], domain.StatusChange{AgentID: id, Status: status, At: at})
	return nil
}

func (m *Memory) TransitionAgent(ctx context.Context, id string, from, to domain.AgentStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	a, ok := m.agents[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status, a.UpdatedAt = to, at
	m.history[id] = append(m.history[id], domain.StatusChange{AgentID: id, Status: to, At: at})
	return true, nil
}

func (m *Memory) SetAgentPerformance(ctx context.Context, id string, p domain.PerformanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	a, ok := m.agents[id]
	if !ok {
		return domain.NotFound("agent", id)
	}
	a.Performance = &p
	return nil
}

func (m *Memory) StatusHistory(ctx context.Context, agentID string) ([]domain.StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := slices.Clone(m.history[agentID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// ---- tasks ----

func copyTask(t domain.Task) domain.Task {
	t.ScheduledFor = cloneTime(t.ScheduledFor)
	t.LastRun = cloneTime(t.LastRun)
	t.CompletedAt = cloneTime(t.CompletedAt)
	if t.Output != nil {
		o := *t.Output
		t.Output = &o
	}
	return t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (m *Memory) GetTask(ctx context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return domain.Task{}, err
	}
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFound("task", id)
	}
	return copyTask(*t), nil
}

func (m *Memory) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, t := range m.tasks {
		switch {
		case f.Status != "" && t.Status != f.Status:
			continue
		case f.RecurringOnly && !t.Recurring():
			continue
		case !f.DueBy.IsZero() && (t.ScheduledFor == nil || t.ScheduledFor.After(f.DueBy)):
			continue
		case f.AssignedTo != "" && t.AssignedTo != f.AssignedTo:
			continue
		}
		out = append(out, copyTask(*t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) PutTask(ctx context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	stampTask(t, time.Now())
	if prev, ok := m.tasks[t.ID]; ok {
		t.CreatedAt = prev.CreatedAt
	}
	c := copyTask(*t)
	m.tasks[t.ID] = &c
	return nil
}

func (m *Memory) ClaimTask(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	t, ok := m.tasks[id]
	if !ok || t.Status != domain.TaskPending {
		return false, nil
	}
	t.Status, t.LastRun, t.UpdatedAt = domain.TaskRunning, &at, at
	return true, nil
}

func (m *Memory) ReleaseTask(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if t, ok := m.tasks[id]; ok && t.Status == domain.TaskRunning {
		t.Status, t.UpdatedAt = domain.TaskPending, at
	}
	return nil
}

func (m *Memory) FinishTask(ctx context.Context, id string, r TaskResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	t, ok := m.tasks[id]
	if !ok || t.Status != domain.TaskRunning {
		return false, nil
	}
	at := r.CompletedAt
	t.Status, t.Progress, t.CompletedAt, t.UpdatedAt = r.Status, r.Progress, &at, at
	if r.Output != nil {
		o := *r.Output
		t.Output = &o
	}
	return true, nil
}

func (m *Memory) RescheduleTask(ctx context.Context, id string, scheduledFor, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	t, ok := m.tasks[id]
	if !ok || (t.Status != domain.TaskCompleted && t.Status != domain.TaskFailed) {
		return false, nil
	}
	t.Status, t.ScheduledFor, t.UpdatedAt = domain.TaskPending, &scheduledFor, at
	return true, nil
}

func (m *Memory) UpdateTaskSchedule(ctx context.Context, id, schedule string, recurring bool, scheduledFor *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	t, ok := m.tasks[id]
	if !ok {
		return domain.NotFound("task", id)
	}
	t.Schedule, t.IsRecurring, t.ScheduledFor, t.UpdatedAt = schedule, recurring, cloneTime(scheduledFor), at
	return nil
}

// ---- executions ----

func copyExecution(e domain.Execution) domain.Execution {
	e.CompletedAt = cloneTime(e.CompletedAt)
	if e.Output != nil {
		o := *e.Output
		e.Output = &o
	}
	return e
}

func (m *Memory) CreateExecution(ctx context.Context, e *domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = newID()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	m.seq++
	m.executions[e.ID] = &memExecution{seq: m.seq, e: copyExecution(*e)}
	return nil
}

func (m *Memory) FinishExecution(ctx context.Context, id string, r domain.ExecutionResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	me, ok := m.executions[id]
	if !ok || me.e.Status != domain.ExecutionRunning {
		return false, nil
	}
	at := r.CompletedAt
	me.e.Status, me.e.Duration, me.e.Error, me.e.CompletedAt = r.Status, r.Duration, r.Error, &at
	me.e.Output = nil
	if r.Output != nil {
		o := *r.Output
		me.e.Output = &o
	}
	return true, nil
}

func (m *Memory) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return domain.Execution{}, err
	}
	me, ok := m.executions[id]
	if !ok {
		return domain.Execution{}, domain.NotFound("execution", id)
	}
	return copyExecution(me.e), nil
}

func (m *Memory) ListExecutions(ctx context.Context, f ExecutionFilter) ([]domain.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var hits []*memExecution
	for _, me := range m.executions {
		switch {
		case f.AgentID != "" && me.e.AgentID != f.AgentID:
			continue
		case f.TaskID != "" && me.e.TaskID != f.TaskID:
			continue
		case f.Status != "" && me.e.Status != f.Status:
			continue
		}
		hits = append(hits, me)
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].e.StartedAt.Equal(hits[j].e.StartedAt) {
			return hits[i].e.StartedAt.After(hits[j].e.StartedAt)
		}
		return hits[i].seq > hits[j].seq
	})
	if f.Limit > 0 && len(hits) > f.Limit {
		hits = hits[:f.Limit]
	}
	out := make([]domain.Execution, 0, len(hits))
	for _, me := range hits {
		out = append(out, copyExecution(me.e))
	}
	return out, nil
}

func (m *Memory) AppendLog(ctx context.Context, l *domain.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = newID()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	m.logs[l.ExecutionID] = append(m.logs[l.ExecutionID], *l)
	return nil
}

func (m *Memory) ListLogs(ctx context.Context, executionID string) ([]domain.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := slices.Clone(m.logs[executionID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ---- messages ----

func (m *Memory) CreateMessage(ctx context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages = append(m.messages, *msg)
	return nil
}

// Messages returns a copy of every stored message in insertion order.
func (m *Memory) Messages() []domain.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.messages)
}

// ---- alerts ----

func copyAlert(a domain.Alert) domain.Alert {
	a.ResolvedAt = cloneTime(a.ResolvedAt)
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

func (m *Memory) CreateAlert(ctx context.Context, a *domain.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.seq++
	m.alerts[a.ID] = &memAlert{seq: m.seq, a: copyAlert(*a)}
	return nil
}

func (m *Memory) ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	ma, ok := m.alerts[id]
	if !ok || ma.a.Resolved {
		return false, nil
	}
	ma.a.Resolved, ma.a.ResolvedAt = true, &at
	return true, nil
}

func (m *Memory) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return domain.Alert{}, err
	}
	ma, ok := m.alerts[id]
	if !ok {
		return domain.Alert{}, domain.NotFound("alert", id)
	}
	return copyAlert(ma.a), nil
}

func (m *Memory) ListAlerts(ctx context.Context, f AlertFilter) ([]domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var hits []*memAlert
	for _, ma := range m.alerts {
		if f.UnresolvedOnly && ma.a.Resolved {
			continue
		}
		hits = append(hits, ma)
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].a.CreatedAt.Equal(hits[j].a.CreatedAt) {
			return hits[i].a.CreatedAt.After(hits[j].a.CreatedAt)
		}
		return hits[i].seq > hits[j].seq
	})
	if f.Limit > 0 && len(hits) > f.Limit {
		hits = hits[:f.Limit]
	}
	out := make([]domain.Alert, 0, len(hits))
	for _, ma := range hits {
		out = append(out, copyAlert(ma.a))
	}
	return out, nil
}

// ---- stats ----

func (m *Memory) Stats(ctx context.Context, since time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Agents:     map[domain.AgentStatus]int{},
		Tasks:      map[domain.TaskStatus]int{},
		Executions: map[domain.ExecutionStatus]int{},
	}
	if err := m.check(ctx); err != nil {
		return st, err
	}
	for _, a := range m.agents {
		st.Agents[a.Status]++
	}
	for _, t := range m.tasks {
		st.Tasks[t.Status]++
	}
	var total time.Duration
	var n int
	for _, me := range m.executions {
		st.Executions[me.e.Status]++
		if me.e.Status == domain.ExecutionCompleted && me.e.Duration > 0 {
			total += me.e.Duration
			n++
		}
	}
	if n > 0 {
		st.AverageExecutionMS = float64(total.Milliseconds()) / float64(n)
	}
	st.Messages = len(m.messages)
	for _, msg := range m.messages {
		if !msg.CreatedAt.Before(since) {
			st.MessagesSince++
		}
	}
	return st, nil
}

// ---- dedup ----

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return time.Time{}, false, err
	}
	until, ok := m.dedup[key]
	return until, ok, nil
}
