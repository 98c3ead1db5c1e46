package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentorch/internal/clock"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	logx "agentorch/pkg/logx"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing[int](3)
	_, ok := r.Latest()
	assert.False(t, ok)

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Last(0))
	assert.Equal(t, []int{4, 5}, r.Last(2))
	assert.Equal(t, []int{3, 4, 5}, r.Last(10))
	v, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, 5, v)
}

func calmSystem() *SystemSnapshot {
	return &SystemSnapshot{
		Timestamp: epoch,
		CPU:       CPUStats{Usage: 10},
		Memory:    UsageStats{Usage: 20},
		Disk:      UsageStats{Usage: 30},
	}
}

func calmApp() *ApplicationSnapshot {
	return &ApplicationSnapshot{
		Timestamp:  epoch,
		Tasks:      TaskCounts{Total: 10, Failed: 1},
		Executions: ExecutionCounts{Total: 100, Failed: 5, AverageDuration: 1200},
	}
}

func TestEvaluateHealth(t *testing.T) {
	th := DefaultThresholds()

	r := EvaluateHealth(calmSystem(), calmApp(), th, epoch)
	assert.Equal(t, Healthy, r.Status)
	assert.Len(t, r.Checks, 6)

	hot := calmSystem()
	hot.CPU.Usage = 95
	r = EvaluateHealth(hot, calmApp(), th, epoch)
	assert.Equal(t, HealthWarning, r.Status)
	assert.Equal(t, CheckWarn, r.Checks["cpu"].Status)
	assert.Equal(t, "CPU usage high: 95.0%", r.Checks["cpu"].Message)

	full := calmSystem()
	full.Disk.Usage = 97
	full.CPU.Usage = 95
	r = EvaluateHealth(full, calmApp(), th, epoch)
	assert.Equal(t, HealthError, r.Status)
	assert.Equal(t, CheckFail, r.Checks["disk"].Status)

	slow := calmApp()
	slow.Executions.AverageDuration = 7000
	r = EvaluateHealth(nil, slow, th, epoch)
	assert.Equal(t, HealthWarning, r.Status)
	assert.NotContains(t, r.Checks, "cpu")
	assert.Equal(t, "Execution time high: 7000ms", r.Checks["executionTime"].Message)

	r = EvaluateHealth(nil, nil, th, epoch)
	assert.Equal(t, Healthy, r.Status)
	assert.Empty(t, r.Checks)
}

func TestEvaluateHealthWithNoActivity(t *testing.T) {
	r := EvaluateHealth(nil, &ApplicationSnapshot{}, DefaultThresholds(), epoch)
	assert.Equal(t, Healthy, r.Status)
	assert.Equal(t, CheckPass, r.Checks["taskErrorRate"].Status)
}

func newAlertEngine(t *testing.T) (*AlertEngine, *storage.Memory) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return NewAlertEngine(st, Thresholds{}, clock.NewFake(epoch), logx.Nop(), nil), st
}

func TestAlertRules(t *testing.T) {
	e, _ := newAlertEngine(t)
	ctx := context.Background()

	got, err := e.Evaluate(ctx, calmSystem(), calmApp())
	require.NoError(t, err)
	assert.Empty(t, got)

	sys := calmSystem()
	sys.CPU.Usage, sys.Memory.Usage, sys.Disk.Usage = 81, 86, 91
	app := calmApp()
	app.Executions.Failed = 11
	app.Executions.AverageDuration = 5001
	app.Tasks.Failed = 3

	got, err = e.Evaluate(ctx, sys, app)
	require.NoError(t, err)
	require.Len(t, got, 6)

	msgs := map[string]domain.Alert{}
	for _, a := range got {
		msgs[a.Message] = a
		assert.NotEmpty(t, a.ID)
		assert.False(t, a.Resolved)
	}
	assert.Equal(t, domain.SeverityWarning, msgs["High CPU usage: 81.0%"].Severity)
	assert.Equal(t, domain.SeverityWarning, msgs["High memory usage: 86.0%"].Severity)
	assert.Equal(t, domain.SeverityError, msgs["High disk usage: 91.0%"].Severity)
	assert.Equal(t, domain.CategoryApplication, msgs["High execution failure rate: 11.0%"].Category)
	assert.Contains(t, msgs, "High average execution time: 5001ms")
	assert.Equal(t, 30.0, msgs["High task failure rate: 30.0%"].Metadata["errorRate"])
}

func TestAlertsAreNotDeduplicated(t *testing.T) {
	e, _ := newAlertEngine(t)
	ctx := context.Background()
	sys := calmSystem()
	sys.CPU.Usage = 99

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(ctx, sys, calmApp())
		require.NoError(t, err)
	}
	all, err := e.Alerts(ctx, 0, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAlertsNeedBothSnapshots(t *testing.T) {
	e, _ := newAlertEngine(t)
	sys := calmSystem()
	sys.CPU.Usage = 99
	got, err := e.Evaluate(context.Background(), sys, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolveAlert(t *testing.T) {
	e, _ := newAlertEngine(t)
	ctx := context.Background()
	sys := calmSystem()
	sys.Disk.Usage = 99
	got, err := e.Evaluate(ctx, sys, calmApp())
	require.NoError(t, err)
	require.Len(t, got, 1)
	id := got[0].ID

	ok, err := e.ResolveAlert(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.ResolveAlert(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.ResolveAlert(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "second resolve must be a no-op")

	all, err := e.Alerts(ctx, 10, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Resolved)
	require.NotNil(t, all[0].ResolvedAt)
	assert.True(t, all[0].ResolvedAt.Equal(epoch))

	open, err := e.Alerts(ctx, 10, true)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestUpdateThresholds(t *testing.T) {
	e, _ := newAlertEngine(t)
	e.UpdateThresholds(Thresholds{CPU: 5})
	th := e.Thresholds()
	assert.Equal(t, 5.0, th.CPU)
	assert.Equal(t, 85.0, th.Memory, "zero fields take defaults")

	got, err := e.Evaluate(context.Background(), calmSystem(), calmApp())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "High CPU usage: 10.0%", got[0].Message)
}

type stubSystem struct {
	mu    sync.Mutex
	calls int
	snap  SystemSnapshot
}

func (s *stubSystem) Sample(context.Context) (SystemSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.snap, nil
}

func (s *stubSystem) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestCollectorSchedule(t *testing.T) {
	ctx := context.Background()
	fc := clock.NewFake(epoch)
	st := storage.NewMemory()
	defer st.Close()

	a := domain.Agent{Name: "a", Status: domain.AgentIdle}
	require.NoError(t, st.PutAgent(ctx, &a))

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sys := &stubSystem{snap: SystemSnapshot{Timestamp: epoch, CPU: CPUStats{Usage: 99}}}
	alerts := NewAlertEngine(st, Thresholds{}, fc, logx.Nop(), bus)
	c := NewCollector(Config{BufferSize: 5}, sys, NewApplicationSource(st, bus, fc), alerts, fc, logx.Nop(), bus)
	c.Start(ctx)
	defer c.Stop(ctx)

	assert.Equal(t, 1, sys.count(), "system sample taken on start")
	require.Len(t, c.ApplicationHistory(0), 1)
	assert.Equal(t, 1, c.ApplicationHistory(0)[0].Agents.Total)

	select {
	case e := <-events:
		assert.Equal(t, eventbus.SystemStatus, e.Type)
	default:
		t.Fatal("no system.status event after the application sample")
	}

	bctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, fc.BlockUntil(bctx, 3))

	fc.Advance(30 * time.Second)
	eventually(t, func() bool { return sys.count() == 2 })

	for i := 0; i < 10; i++ {
		fc.Advance(30 * time.Second)
		want := i + 3
		eventually(t, func() bool { return sys.count() == want })
	}
	eventually(t, func() bool { return len(c.SystemHistory(0)) == 5 })

	eventually(t, func() bool {
		open, err := alerts.Alerts(ctx, 10, true)
		return err == nil && len(open) >= 1
	})
	assert.Equal(t, HealthWarning, c.Health().Status)
}

func TestSimulatedSourceBounds(t *testing.T) {
	src := NewSimulatedSource(clock.NewFake(epoch), 42)
	for i := 0; i < 50; i++ {
		s, err := src.Sample(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.CPU.Usage, 0.0)
		assert.LessOrEqual(t, s.CPU.Usage, 100.0)
		assert.Equal(t, s.Memory.Total, s.Memory.Used+s.Memory.Free)
		assert.LessOrEqual(t, s.Disk.Usage, 100.0)
		assert.GreaterOrEqual(t, s.Processes.Total, 50)
	}
}

func TestApplicationSourceCounts(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	defer st.Close()

	for _, s := range []domain.AgentStatus{domain.AgentIdle, domain.AgentRunning, domain.AgentError} {
		a := domain.Agent{Name: string(s), Status: s}
		require.NoError(t, st.PutAgent(ctx, &a))
	}
	for _, s := range []domain.TaskStatus{domain.TaskPending, domain.TaskFailed, domain.TaskFailed, domain.TaskCompleted} {
		tk := domain.Task{Title: string(s), Status: s}
		require.NoError(t, st.PutTask(ctx, &tk))
	}

	snap, err := NewApplicationSource(st, nil, clock.NewFake(epoch)).Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, AgentCounts{Total: 3, Active: 1, Idle: 1, Error: 1}, snap.Agents)
	assert.Equal(t, 4, snap.Tasks.Total)
	assert.Equal(t, 2, snap.Tasks.Failed)
	assert.Equal(t, 50.0, snap.Tasks.FailureRate())
	assert.Equal(t, 0.0, snap.Executions.FailureRate())
}
