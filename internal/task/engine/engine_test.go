package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentorch/internal/eventbus"
	logx "agentorch/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueueRunsTask(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "exec", Run: func(context.Context) error { close(done); return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
	waitFor(t, func() bool { return s.Snapshot().Processed == 1 })
	snap := s.Snapshot()
	if len(snap.History) != 1 || snap.History[0].Error != "" {
		t.Fatalf("history = %+v", snap.History)
	}
}

func TestDisabledAndStopped(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestEnqueueValidatesTask(t *testing.T) {
	s := startEngine(t, Config{})
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("nil Run accepted")
	}
	if err := s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("blank name accepted")
	}
}

func TestQueueFull(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	block := func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	if err := s.Enqueue(Task{Name: "a", Run: block}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: block}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(release)
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d", got)
	}
}

func TestRetryThenNoRetry(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	var calls atomic.Int32
	done := make(chan struct{})
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			n := calls.Add(1)
			if n < 2 {
				return errors.New("transient")
			}
			close(done)
			return NoRetry(errors.New("permanent"))
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	<-done
	waitFor(t, func() bool { return s.Snapshot().Processed == 1 })
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Error != "permanent" || h[0].Attempts != 2 {
		t.Fatalf("history = %+v", h)
	}
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	if err := s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("bad") }}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.Snapshot().Processed == 1 })
	if h := s.Snapshot().History; h[0].Error != "panic: bad" {
		t.Fatalf("error = %q", h[0].Error)
	}

	ok := make(chan struct{})
	if err := s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(ok); return nil }}); err != nil {
		t.Fatal(err)
	}
	<-ok
}

func TestTimeoutAppliesToRun(t *testing.T) {
	s := startEngine(t, Config{Workers: 1})
	got := make(chan error, 1)
	err := s.Enqueue(Task{Name: "slow", Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	}})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-got:
		if !errors.Is(e, context.DeadlineExceeded) {
			t.Fatalf("ctx err = %v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not applied")
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	run := func(context.Context) error { <-release; return nil }
	opt := TaskOptions{Overlap: OverlapSkipIfRunning}

	if err := s.Enqueue(Task{Name: "refresh", Run: run, Opt: opt}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Task{Name: "refresh", Run: run, Opt: opt}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	waitFor(t, func() bool { return s.Snapshot().Processed == 1 })
	if err := s.Enqueue(Task{Name: "refresh", Run: func(context.Context) error { return nil }, Opt: opt}); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestStopAbandonsQueuedTasks(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	release := make(chan struct{})
	if err := s.Enqueue(Task{Name: "running", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	<-started

	var mu sync.Mutex
	var reasons []error
	if err := s.Enqueue(Task{
		Name:    "queued",
		Run:     func(context.Context) error { t.Error("queued task ran after stop"); return nil },
		Abandon: func(reason error) { mu.Lock(); reasons = append(reasons, reason); mu.Unlock() },
	}); err != nil {
		t.Fatal(err)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-stopped

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || !errors.Is(reasons[0], ErrStopped) {
		t.Fatalf("abandon reasons = %v", reasons)
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err after stop = %v", err)
	}
}

type countingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	drops    map[string]int
}

func (m *countingMetrics) EngineTask(outcome string, _ time.Duration) {
	m.mu.Lock()
	m.outcomes[outcome]++
	m.mu.Unlock()
}

func (m *countingMetrics) EngineDropped(reason string) {
	m.mu.Lock()
	m.drops[reason]++
	m.mu.Unlock()
}

func TestMetricsObserver(t *testing.T) {
	m := &countingMetrics{outcomes: map[string]int{}, drops: map[string]int{}}
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.SetMetrics(m)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	_ = s.Enqueue(Task{Name: "ok", Run: func(context.Context) error { return nil }})
	_ = s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { return errors.New("x") }})
	waitFor(t, func() bool { return s.Snapshot().Processed == 2 })

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes["ok"] != 1 || m.outcomes["error"] != 1 {
		t.Fatalf("outcomes = %v", m.outcomes)
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	for retry := 1; retry <= 10; retry++ {
		d := backoffDelay(opt, retry, nil)
		if d > time.Second || d <= 0 {
			t.Fatalf("retry %d delay %v out of bounds", retry, d)
		}
	}
}
