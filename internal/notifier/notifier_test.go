package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentorch/internal/clock"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	logx "agentorch/pkg/logx"
)

type recordingSink struct {
	name string

	mu    sync.Mutex
	got   []Notification
	fails int // remaining failures before success; <0 fails forever
	gate  chan struct{}
	calls int
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	r.calls++
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails != 0 {
		if r.fails > 0 {
			r.fails--
		}
		return errors.New("sink down")
	}
	r.got = append(r.got, n)
	return nil
}

func (r *recordingSink) received() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func (r *recordingSink) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func baseConfig() Config {
	return Config{Enabled: true, Workers: 1, RatePerSec: 1000, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func start(t *testing.T, cfg Config, bus eventbus.Bus, store storage.DedupStore, sinks ...Sink) *Service {
	t.Helper()
	s := New(cfg, sinks, logx.Nop(), bus, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestForwardsDomainEvents(t *testing.T) {
	bus := eventbus.New()
	sink := &recordingSink{name: "rec"}
	start(t, baseConfig(), bus, nil, sink)

	bus.Publish(eventbus.Event{Type: eventbus.NotifierSent, Data: eventbus.NotifierData{Event: "x"}})
	bus.Publish(eventbus.Event{Type: eventbus.AgentStatus, Time: time.Now(), Data: eventbus.AgentStatusData{AgentID: "a1", Status: "ERROR"}})

	eventually(t, func() bool { return len(sink.received()) == 1 })
	n := sink.received()[0]
	assert.Equal(t, eventbus.AgentStatus, n.Event)
	assert.Equal(t, "Agent a1 is now ERROR", n.Text)
	assert.Contains(t, string(n.JSON), `"type":"agent.status"`)
	assert.Contains(t, string(n.JSON), `"agentId":"a1"`)
}

func TestEventFilter(t *testing.T) {
	bus := eventbus.New()
	sink := &recordingSink{name: "rec"}
	cfg := baseConfig()
	cfg.Events = []string{eventbus.AlertCreated, "notifier.sent"}
	start(t, cfg, bus, nil, sink)

	bus.Publish(eventbus.Event{Type: eventbus.TaskStatus, Data: eventbus.TaskStatusData{TaskID: "t", Status: "RUNNING"}})
	bus.Publish(eventbus.Event{Type: eventbus.AlertCreated, Data: eventbus.AlertData{Severity: "ERROR", Message: "High disk usage: 91.0%"}})

	eventually(t, func() bool { return len(sink.received()) == 1 })
	assert.Equal(t, "[ERROR] High disk usage: 91.0%", sink.received()[0].Text)
}

func TestDedupWindow(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sink := &recordingSink{name: "rec"}
	cfg := baseConfig()
	cfg.DedupWindow = time.Minute
	s := New(cfg, []Sink{sink}, logx.Nop(), nil, nil, WithClock(fc))
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	n := Notification{Event: eventbus.AlertCreated, Text: "High CPU usage: 99.0%"}
	require.NoError(t, s.Notify(ctx, n))
	require.NoError(t, s.Notify(ctx, n))
	assert.Equal(t, uint64(1), s.Stats().Deduped)

	fc.Advance(time.Minute)
	require.NoError(t, s.Notify(ctx, n))

	eventually(t, func() bool { return len(sink.received()) == 2 })
	st := s.Stats()
	assert.Equal(t, uint64(2), st.Queued)
	assert.Equal(t, uint64(1), st.Deduped)
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	store := storage.NewMemory()
	defer store.Close()
	ctx := context.Background()
	cfg := baseConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true
	n := Notification{Event: eventbus.AlertCreated, Text: "High disk usage: 99.0%"}

	first := New(cfg, []Sink{&recordingSink{name: "rec"}}, logx.Nop(), nil, store)
	first.Start(ctx)
	require.NoError(t, first.Notify(ctx, n))
	eventually(t, func() bool {
		_, ok, err := store.GetDedup(ctx, dedupKey(n))
		return err == nil && ok
	})
	first.Stop(ctx)

	second := New(cfg, []Sink{&recordingSink{name: "rec"}}, logx.Nop(), nil, store)
	second.Start(ctx)
	defer second.Stop(ctx)
	require.NoError(t, second.Notify(ctx, n))
	assert.Equal(t, uint64(1), second.Stats().Deduped)
}

func TestRetryThenSuccess(t *testing.T) {
	sink := &recordingSink{name: "flaky", fails: 2}
	cfg := baseConfig()
	cfg.RetryMax = 2
	s := start(t, cfg, nil, nil, sink)

	require.NoError(t, s.Notify(context.Background(), Notification{Event: "task.status", Text: "x"}))
	eventually(t, func() bool { return len(sink.received()) == 1 })
	assert.Equal(t, 3, sink.callCount())
	assert.Equal(t, uint64(1), s.Stats().Sent)
	assert.Zero(t, s.Stats().Failed)
	require.Len(t, s.Snapshot(), 1)
	assert.Equal(t, "flaky", s.Snapshot()[0].Sink)
}

func TestSinkFailureIsIsolated(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	bad := &recordingSink{name: "bad", fails: -1}
	good := &recordingSink{name: "good"}
	cfg := baseConfig()
	cfg.RetryMax = 1
	s := start(t, cfg, bus, nil, bad, good)

	require.NoError(t, s.Notify(context.Background(), Notification{Event: "alert.created", Text: "boom"}))
	eventually(t, func() bool { return len(good.received()) == 1 })
	eventually(t, func() bool { return s.Stats().Failed == 1 })
	assert.Equal(t, 2, bad.callCount())

	var failed *eventbus.NotifierData
	for failed == nil {
		select {
		case e := <-events:
			if e.Type == eventbus.NotifierFailed {
				d := e.Data.(eventbus.NotifierData)
				failed = &d
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no notifier.failed event")
		}
	}
	assert.Equal(t, "bad", failed.Sink)
	assert.Equal(t, "sink down", failed.Error)
}

func TestNotifyStates(t *testing.T) {
	ctx := context.Background()
	off := New(Config{}, nil, logx.Nop(), nil, nil)
	assert.ErrorIs(t, off.Notify(ctx, Notification{Event: "x", Text: "y"}), ErrDisabled)

	idle := New(baseConfig(), nil, logx.Nop(), nil, nil)
	assert.ErrorIs(t, idle.Notify(ctx, Notification{Event: "x", Text: "y"}), ErrStopped)
}

func TestQueueFull(t *testing.T) {
	gate := make(chan struct{})
	sink := &recordingSink{name: "slow", gate: gate}
	cfg := baseConfig()
	cfg.QueueSize = 1
	s := start(t, cfg, nil, nil, sink)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, Notification{Event: "e", Text: "1"}))
	eventually(t, func() bool { return sink.callCount() == 1 })
	require.NoError(t, s.Notify(ctx, Notification{Event: "e", Text: "2"}))
	assert.ErrorIs(t, s.Notify(ctx, Notification{Event: "e", Text: "3"}), ErrQueueFull)
	assert.Equal(t, uint64(1), s.Stats().Dropped)

	close(gate)
	eventually(t, func() bool { return len(sink.received()) == 2 })
}

func TestRender(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		e    eventbus.Event
		want string
	}{
		{eventbus.Event{Type: eventbus.TaskStatus, Data: eventbus.TaskStatusData{TaskID: "t1", Status: "COMPLETED", Progress: 100}}, "Task t1 COMPLETED (100%)"},
		{eventbus.Event{Type: eventbus.ExecutionStatus, Data: eventbus.ExecutionStatusData{ExecutionID: "e1", Status: "FAILED", Duration: 1500 * time.Millisecond, Error: "timeout"}}, "Execution e1 FAILED in 1.5s: timeout"},
		{eventbus.Event{Type: eventbus.AlertResolved, Data: eventbus.AlertData{Message: "High CPU usage: 99.0%"}}, "Resolved: High CPU usage: 99.0%"},
		{eventbus.Event{Type: eventbus.SystemStatus, Data: eventbus.SystemStatusData{Agents: 3, ActiveAgents: 1, Tasks: 7, RunningExecutions: 2}}, "System: 3 agents (1 active), 7 tasks, 2 running executions"},
		{eventbus.Event{Type: eventbus.ScheduleRegistered, Data: eventbus.ScheduleData{TaskID: "t1", Next: at}}, "schedule.registered t1, next 2026-03-02T10:00:00Z"},
		{eventbus.Event{Type: "custom"}, "custom"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Render(c.e).Text)
	}

	long := Render(eventbus.Event{Type: eventbus.MessageCreated, Data: eventbus.MessageData{Type: "AGENT", AgentID: "a", Content: string(make([]rune, 400))}})
	assert.Len(t, []rune(long.Text), maxTextRunes)
}

func TestSinkConstructorsValidate(t *testing.T) {
	_, err := NewTelegramSink(TelegramConfig{})
	assert.Error(t, err)
	_, err = NewTelegramSink(TelegramConfig{Token: "x"})
	assert.Error(t, err)
	_, err = NewRedisSink(RedisConfig{})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)

	r, err := NewRedisSink(RedisConfig{Addr: "127.0.0.1:6379"})
	require.NoError(t, err)
	assert.Equal(t, "redis", r.Name())
	assert.Equal(t, "agentorch.events", r.channel)
	assert.NoError(t, r.Close())

	k, err := NewKafkaSink(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, Topic: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "ops", k.w.Topic)
	assert.NoError(t, k.Close())
}
