package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentorch/internal/clock"
	"agentorch/internal/completion"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	"agentorch/internal/task/engine"
	logx "agentorch/pkg/logx"
)

type fixture struct {
	store *storage.Memory
	agent domain.Agent
	task  domain.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })

	a := domain.Agent{Name: "Scout", Type: "researcher", Description: "Finds things.", Capabilities: []string{"search", "summarize"}, Status: domain.AgentIdle}
	require.NoError(t, st.PutAgent(ctx, &a))
	task := domain.Task{Title: "Survey", Description: "Survey the field", Priority: domain.PriorityMedium, Status: domain.TaskPending, AssignedTo: a.ID}
	require.NoError(t, st.PutTask(ctx, &task))
	return &fixture{store: st, agent: a, task: task}
}

func startEngine(t *testing.T) *engine.Service {
	t.Helper()
	e := engine.New(engine.Config{Enabled: true, Workers: 4, QueueSize: 16}, logx.Nop(), nil)
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func wait(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := h.Wait(ctx)
	require.NoError(t, err, "execution did not finish")
	return r
}

func replying(text string) completion.Client {
	return completion.Func(func(context.Context, completion.Request) (string, error) { return text, nil })
}

func TestSuccessfulRun(t *testing.T) {
	f := newFixture(t)
	var got completion.Request
	client := completion.Func(func(_ context.Context, req completion.Request) (string, error) {
		got = req
		return "the answer", nil
	})
	m := New(Config{Temperature: 0.7, MaxTokens: 2000}, f.store, client, startEngine(t), logx.Nop(), nil)

	h, err := m.Start(context.Background(), Request{AgentID: f.agent.ID, TaskID: f.task.ID})
	require.NoError(t, err)
	r := wait(t, h)

	assert.Equal(t, domain.ExecutionCompleted, r.Execution.Status)
	assert.GreaterOrEqual(t, r.Execution.Duration, time.Duration(0))
	require.NotNil(t, r.Execution.Output)
	assert.Equal(t, "the answer", r.Execution.Output.Result)

	require.NotNil(t, r.Task)
	assert.Equal(t, domain.TaskCompleted, r.Task.Status)
	assert.Equal(t, 100, r.Task.Progress)
	assert.NotNil(t, r.Task.CompletedAt)
	assert.NotNil(t, r.Task.LastRun)

	a, err := f.store.GetAgent(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, a.Status)

	assert.Equal(t, "You are Scout, researcher. Finds things.", got.System)
	assert.Equal(t, "You are Scout, a researcher. Your task is: Survey. Survey the field. "+
		"Use your capabilities to accomplish this task effectively.\n\nYour capabilities include: search, summarize.", got.User)
	assert.Equal(t, 0.7, got.Temperature)
	assert.Equal(t, 2000, got.MaxTokens)

	logs, err := f.store.ListLogs(context.Background(), h.ExecutionID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "Starting execution for agent: Scout", logs[0].Message)
	assert.True(t, strings.HasPrefix(logs[1].Message, "Execution completed successfully in "))

	msgs := f.store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Task completed: the answer...", msgs[0].Content)
	assert.Equal(t, domain.MessageAgent, msgs[0].Type)
	assert.Equal(t, h.ExecutionID, msgs[0].Metadata.ExecutionID)
}

func TestEmptyResponseIsRecorded(t *testing.T) {
	f := newFixture(t)
	m := New(Config{}, f.store, replying("  "), startEngine(t), logx.Nop(), nil)
	h, err := m.Start(context.Background(), Request{AgentID: f.agent.ID})
	require.NoError(t, err)
	r := wait(t, h)
	require.NotNil(t, r.Execution.Output)
	assert.Equal(t, "No response generated", r.Execution.Output.Result)
	assert.Nil(t, r.Task)
}

func TestFailedRunParksAgentInError(t *testing.T) {
	f := newFixture(t)
	client := completion.Func(func(context.Context, completion.Request) (string, error) {
		return "", errors.New("upstream 500")
	})
	m := New(Config{}, f.store, client, startEngine(t), logx.Nop(), nil)

	h, err := m.Start(context.Background(), Request{AgentID: f.agent.ID, TaskID: f.task.ID})
	require.NoError(t, err, "a completion failure must not escape Start")
	r := wait(t, h)

	assert.Equal(t, domain.ExecutionFailed, r.Execution.Status)
	assert.Equal(t, "upstream 500", r.Execution.Error)
	assert.GreaterOrEqual(t, r.Execution.Duration, time.Duration(0))
	require.NotNil(t, r.Task)
	assert.Equal(t, domain.TaskFailed, r.Task.Status)

	a, err := f.store.GetAgent(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentError, a.Status)

	logs, err := f.store.ListLogs(context.Background(), h.ExecutionID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.LogError, logs[1].Level)
	assert.Equal(t, "Execution failed: upstream 500", logs[1].Message)

	msgs := f.store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Task failed: upstream 500", msgs[0].Content)
	assert.True(t, msgs[0].Metadata.Error)

	// an errored agent is inactive until cleared
	_, err = m.Start(context.Background(), Request{AgentID: f.agent.ID})
	assert.True(t, domain.IsConflict(err), "err = %v", err)
}

func TestTimeoutIsAFailure(t *testing.T) {
	f := newFixture(t)
	client := completion.Func(func(ctx context.Context, _ completion.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	m := New(Config{Timeout: 20 * time.Millisecond}, f.store, client, startEngine(t), logx.Nop(), nil)

	h, err := m.Start(context.Background(), Request{AgentID: f.agent.ID, TaskID: f.task.ID})
	require.NoError(t, err)
	r := wait(t, h)
	assert.Equal(t, domain.ExecutionFailed, r.Execution.Status)
	assert.Contains(t, r.Execution.Error, "timed out")
	assert.Equal(t, domain.TaskFailed, r.Task.Status)
}

func TestStartRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := New(Config{}, f.store, replying("ok"), startEngine(t), logx.Nop(), nil)

	_, err := m.Start(ctx, Request{AgentID: "missing"})
	assert.True(t, domain.IsNotFound(err), "err = %v", err)

	_, err = m.Start(ctx, Request{AgentID: f.agent.ID, TaskID: "missing"})
	assert.True(t, domain.IsNotFound(err), "err = %v", err)

	paused := domain.Agent{Name: "Napper", Status: domain.AgentPaused}
	require.NoError(t, f.store.PutAgent(ctx, &paused))
	_, err = m.Start(ctx, Request{AgentID: paused.ID, TaskID: f.task.ID})
	assert.True(t, domain.IsConflict(err), "err = %v", err)

	done := domain.Task{Title: "Done", Status: domain.TaskCompleted}
	require.NoError(t, f.store.PutTask(ctx, &done))
	_, err = m.Start(ctx, Request{AgentID: f.agent.ID, TaskID: done.ID})
	assert.True(t, domain.IsConflict(err), "err = %v", err)

	execs, err := f.store.ListExecutions(ctx, storage.ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs, "rejected runs must not create executions")

	task, err := f.store.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)
}

func TestConcurrentStartsClaimOnce(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	client := completion.Func(func(context.Context, completion.Request) (string, error) {
		<-release
		return "done", nil
	})
	m := New(Config{}, f.store, client, startEngine(t), logx.Nop(), nil)

	const n = 8
	var wg sync.WaitGroup
	handles := make(chan *Handle, n)
	conflicts := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Start(context.Background(), Request{AgentID: f.agent.ID, TaskID: f.task.ID})
			if err != nil {
				conflicts <- err
				return
			}
			handles <- h
		}()
	}
	wg.Wait()
	close(release)
	close(handles)
	close(conflicts)

	var won []*Handle
	for h := range handles {
		won = append(won, h)
	}
	require.Len(t, won, 1)
	for err := range conflicts {
		assert.True(t, domain.IsConflict(err), "err = %v", err)
	}
	wait(t, won[0])

	execs, err := f.store.ListExecutions(context.Background(), storage.ExecutionFilter{TaskID: f.task.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestRecurringTaskIsReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)

	require.NoError(t, f.store.UpdateTaskSchedule(ctx, f.task.ID, "0 * * * *", true, nil, start))
	m := New(Config{Location: time.UTC}, f.store, replying("hourly report"), startEngine(t), logx.Nop(), nil, WithClock(fc))

	h, err := m.RunTask(ctx, f.task.ID)
	require.NoError(t, err)
	r := wait(t, h)

	assert.Equal(t, domain.ExecutionCompleted, r.Execution.Status)
	require.NotNil(t, r.Task)
	assert.Equal(t, domain.TaskPending, r.Task.Status)
	require.NotNil(t, r.Task.ScheduledFor)
	assert.True(t, r.Task.ScheduledFor.Equal(start.Add(time.Hour)), "scheduledFor = %v", r.Task.ScheduledFor)

	again, err := m.RunTask(ctx, f.task.ID)
	require.NoError(t, err, "reset task must be claimable again")
	wait(t, again)
}

func gated(release <-chan struct{}, err error) completion.Client {
	return completion.Func(func(context.Context, completion.Request) (string, error) {
		<-release
		if err != nil {
			return "", err
		}
		return "done", nil
	})
}

func TestBusyAgentRejectsOverlappingRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := make(chan struct{})
	m := New(Config{}, f.store, gated(release, nil), startEngine(t), logx.Nop(), nil)

	h, err := m.Start(ctx, Request{AgentID: f.agent.ID, TaskID: f.task.ID})
	require.NoError(t, err)

	other := domain.Task{Title: "Other", Status: domain.TaskPending, AssignedTo: f.agent.ID}
	require.NoError(t, f.store.PutTask(ctx, &other))
	_, err = m.Start(ctx, Request{AgentID: f.agent.ID, TaskID: other.ID})
	assert.True(t, domain.IsConflict(err), "err = %v", err)
	_, err = m.Start(ctx, Request{AgentID: f.agent.ID})
	assert.True(t, domain.IsConflict(err), "err = %v", err)

	got, err := f.store.GetTask(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status, "a rejected run must not hold the task")

	close(release)
	wait(t, h)
	execs, err := f.store.ListExecutions(ctx, storage.ExecutionFilter{AgentID: f.agent.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	a, err := f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, a.Status)
}

func TestFinalizeKeepsStatusChangedDuringRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := make(chan struct{})
	m := New(Config{}, f.store, gated(release, nil), startEngine(t), logx.Nop(), nil)

	h, err := m.Start(ctx, Request{AgentID: f.agent.ID})
	require.NoError(t, err)
	require.NoError(t, f.store.SetAgentStatus(ctx, f.agent.ID, domain.AgentError, time.Now()))
	close(release)
	r := wait(t, h)
	assert.Equal(t, domain.ExecutionCompleted, r.Execution.Status)

	a, err := f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentError, a.Status, "a success must not clear an ERROR park")

	require.NoError(t, m.Clear(ctx, f.agent.ID))
	a, err = f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, a.Status)
}

func TestCancelledRecurringTaskStaysCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateTaskSchedule(ctx, f.task.ID, "0 * * * *", true, nil, time.Now()))
	release := make(chan struct{})
	m := New(Config{Location: time.UTC}, f.store, gated(release, nil), startEngine(t), logx.Nop(), nil)

	h, err := m.RunTask(ctx, f.task.ID)
	require.NoError(t, err)

	cur, err := f.store.GetTask(ctx, f.task.ID)
	require.NoError(t, err)
	cur.Status = domain.TaskCancelled
	require.NoError(t, f.store.PutTask(ctx, &cur))

	close(release)
	r := wait(t, h)
	assert.Equal(t, domain.ExecutionCompleted, r.Execution.Status)
	require.NotNil(t, r.Task)
	assert.Equal(t, domain.TaskCancelled, r.Task.Status)
	assert.Nil(t, r.Task.ScheduledFor)
}

// flakyReset fails the first n recurring resets.
type flakyReset struct {
	*storage.Memory
	n atomic.Int32
}

func (s *flakyReset) RescheduleTask(ctx context.Context, id string, next, at time.Time) (bool, error) {
	if s.n.Add(-1) >= 0 {
		return false, errors.New("database is locked")
	}
	return s.Memory.RescheduleTask(ctx, id, next, at)
}

func TestRecurringResetIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.UpdateTaskSchedule(ctx, f.task.ID, "0 * * * *", true, nil, start))

	st := &flakyReset{Memory: f.store}
	st.n.Store(2)
	m := New(Config{Location: time.UTC}, st, replying("ok"), startEngine(t), logx.Nop(), nil, WithClock(clock.NewFake(start)))

	h, err := m.RunTask(ctx, f.task.ID)
	require.NoError(t, err)
	r := wait(t, h)
	assert.Equal(t, domain.TaskCompleted, r.Task.Status, "the inline reset failed")

	assert.Eventually(t, func() bool {
		got, err := f.store.GetTask(ctx, f.task.ID)
		return err == nil && got.Status == domain.TaskPending &&
			got.ScheduledFor != nil && got.ScheduledFor.Equal(start.Add(time.Hour))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunTaskRequiresAssignedAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orphan := domain.Task{Title: "Orphan", Status: domain.TaskPending}
	require.NoError(t, f.store.PutTask(ctx, &orphan))

	m := New(Config{}, f.store, replying("x"), startEngine(t), logx.Nop(), nil)
	err := m.TriggerTask(ctx, orphan.ID)
	assert.True(t, domain.IsValidation(err), "err = %v", err)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := New(Config{}, f.store, replying("x"), startEngine(t), logx.Nop(), nil)

	assert.True(t, domain.IsConflict(m.Clear(ctx, f.agent.ID)), "clearing an idle agent")
	require.NoError(t, f.store.SetAgentStatus(ctx, f.agent.ID, domain.AgentError, time.Now()))
	require.NoError(t, m.Clear(ctx, f.agent.ID))

	a, err := f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentIdle, a.Status)
	assert.True(t, domain.IsNotFound(m.Clear(ctx, "missing")))
}

type rejectingEngine struct{ err error }

func (e rejectingEngine) Enqueue(engine.Task) error { return e.err }

type abandoningEngine struct{}

func (abandoningEngine) Enqueue(t engine.Task) error {
	go t.Abandon(engine.ErrStopped)
	return nil
}

func TestEngineRejectionFinalizesExecution(t *testing.T) {
	for name, eng := range map[string]Engine{
		"rejected":  rejectingEngine{err: engine.ErrQueueFull},
		"abandoned": abandoningEngine{},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			m := New(Config{}, f.store, replying("never"), eng, logx.Nop(), nil)
			h, err := m.Start(context.Background(), Request{AgentID: f.agent.ID, TaskID: f.task.ID})
			require.NoError(t, err)
			r := wait(t, h)
			assert.Equal(t, domain.ExecutionFailed, r.Execution.Status)
			assert.Contains(t, r.Execution.Error, "execution not started")
			assert.Equal(t, domain.TaskFailed, r.Task.Status)
		})
	}
}

type recordingMetrics struct {
	mu  sync.Mutex
	got []domain.ExecutionStatus
}

func (r *recordingMetrics) ExecutionFinished(s domain.ExecutionStatus, _ time.Duration) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
}

func TestEventsAndMetrics(t *testing.T) {
	f := newFixture(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	rec := &recordingMetrics{}

	m := New(Config{}, f.store, replying("ok"), startEngine(t), logx.Nop(), bus, WithMetrics(rec))
	h, err := m.Start(context.Background(), Request{AgentID: f.agent.ID, TaskID: f.task.ID})
	require.NoError(t, err)
	wait(t, h)

	seen := map[string]int{}
	for len(events) > 0 {
		e := <-events
		seen[e.Type]++
	}
	assert.Equal(t, 2, seen[eventbus.ExecutionStatus])
	assert.Equal(t, 2, seen[eventbus.TaskStatus])
	assert.Equal(t, 2, seen[eventbus.AgentStatus])
	assert.Equal(t, 1, seen[eventbus.MessageCreated])

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []domain.ExecutionStatus{domain.ExecutionCompleted}, rec.got)
}
