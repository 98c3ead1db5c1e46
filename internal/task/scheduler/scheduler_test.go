package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"agentorch/internal/clock"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	logx "agentorch/pkg/logx"
)

var epoch = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

type fakeSource struct {
	mu    sync.Mutex
	tasks []domain.Task
	err   error
}

func (f *fakeSource) ListTasks(_ context.Context, filter storage.TaskFilter) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Task
	for _, t := range f.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.RecurringOnly && !t.Recurring() {
			continue
		}
		if !filter.DueBy.IsZero() && (t.ScheduledFor == nil || t.ScheduledFor.After(filter.DueBy)) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

type fakeRunner struct {
	calls chan string
	err   error
}

func newRunner() *fakeRunner { return &fakeRunner{calls: make(chan string, 16)} }

func (r *fakeRunner) TriggerTask(_ context.Context, id string) error {
	r.calls <- id
	return r.err
}

func (r *fakeRunner) next(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.calls:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not triggered")
		return ""
	}
}

func startRegistry(t *testing.T, src *fakeSource, r *fakeRunner, fc *clock.Fake) *Service {
	t.Helper()
	s := New(Config{Timezone: "UTC", ScanInterval: time.Hour}, src, r, logx.Nop(), eventbus.New(), WithClock(fc))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func blockUntil(t *testing.T, fc *clock.Fake, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fc.BlockUntil(ctx, n); err != nil {
		t.Fatalf("waiting for %d timers: %v", n, err)
	}
}

func TestRegisterBeforeStart(t *testing.T) {
	s := New(Config{}, &fakeSource{}, newRunner(), logx.Nop(), nil)
	if err := s.Register("t1", "0 * * * *"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestRegisterRejectsInvalidExpression(t *testing.T) {
	s := startRegistry(t, &fakeSource{}, newRunner(), clock.NewFake(epoch))
	for _, expr := range []string{"", "* * * *", "60 * * * *", "*/0 * * * *", "5-1 * * * *"} {
		err := s.Register("t1", expr)
		if !domain.IsValidation(err) {
			t.Fatalf("Register(%q) err = %v, want validation error", expr, err)
		}
	}
	if st := s.Status("t1"); st.IsScheduled {
		t.Fatalf("invalid schedule registered: %+v", st)
	}
	if s.Schedule("t1", "bogus") {
		t.Fatal("Schedule accepted an invalid expression")
	}
}

func TestRegisterReplacesExistingJob(t *testing.T) {
	fc := clock.NewFake(epoch)
	s := startRegistry(t, &fakeSource{}, newRunner(), fc)
	blockUntil(t, fc, 1) // scan ticker

	if err := s.Register("t1", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("t1", "15 12 * * *"); err != nil {
		t.Fatal(err)
	}
	st := s.Status("t1")
	if st.Schedule != "15 12 * * *" {
		t.Fatalf("schedule = %q", st.Schedule)
	}
	if want := time.Date(2026, 3, 2, 12, 15, 0, 0, time.UTC); !st.Next.Equal(want) {
		t.Fatalf("next = %v, want %v", st.Next, want)
	}
	if n := len(s.Jobs()); n != 1 {
		t.Fatalf("jobs = %d, want 1", n)
	}
	// the replaced job's timer is released
	deadline := time.Now().Add(2 * time.Second)
	for fc.Waiters() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fc.Waiters(); got != 2 {
		t.Fatalf("armed timers = %d, want 2", got)
	}
}

func TestUnscheduleIsIdempotent(t *testing.T) {
	s := startRegistry(t, &fakeSource{}, newRunner(), clock.NewFake(epoch))
	if err := s.Register("t1", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	if !s.Unschedule("t1") {
		t.Fatal("first Unschedule reported no job")
	}
	if s.Unschedule("t1") {
		t.Fatal("second Unschedule reported a job")
	}
	if st := s.Status("t1"); st.IsScheduled || st.IsActive {
		t.Fatalf("status after unschedule = %+v", st)
	}
}

func TestStartLoadsRecurringTasks(t *testing.T) {
	src := &fakeSource{tasks: []domain.Task{
		{ID: "hourly", Status: domain.TaskPending, Schedule: "0 * * * *", IsRecurring: true},
		{ID: "broken", Status: domain.TaskPending, Schedule: "99 * * * *", IsRecurring: true},
		{ID: "done", Status: domain.TaskCompleted, Schedule: "0 * * * *", IsRecurring: true},
		{ID: "oneshot", Status: domain.TaskPending, Schedule: "0 * * * *"},
	}}
	s := startRegistry(t, src, newRunner(), clock.NewFake(epoch))

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].TaskID != "hourly" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if !jobs[0].IsActive {
		t.Fatal("loaded job not active")
	}
}

func TestStartFailsWhenStoreFails(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	s := New(Config{}, src, newRunner(), logx.Nop(), nil, WithClock(clock.NewFake(epoch)))
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing store")
	}
	if s.Running() {
		t.Fatal("registry running after failed start")
	}
}

func TestScanDueSkipsOwnedAndUnassigned(t *testing.T) {
	past := epoch.Add(-time.Minute)
	future := epoch.Add(time.Hour)
	src := &fakeSource{tasks: []domain.Task{
		{ID: "due", Status: domain.TaskPending, ScheduledFor: &past, AssignedTo: "a1"},
		{ID: "unassigned", Status: domain.TaskPending, ScheduledFor: &past},
		{ID: "later", Status: domain.TaskPending, ScheduledFor: &future, AssignedTo: "a1"},
		{ID: "cron", Status: domain.TaskPending, ScheduledFor: &past, AssignedTo: "a1", Schedule: "0 * * * *", IsRecurring: true},
	}}
	r := newRunner()
	s := startRegistry(t, src, r, clock.NewFake(epoch))

	if n := s.ScanDue(context.Background()); n != 1 {
		t.Fatalf("triggered = %d, want 1", n)
	}
	if id := r.next(t); id != "due" {
		t.Fatalf("triggered %q", id)
	}
	if snap := s.Snapshot(); !snap.LastScan.Equal(epoch) || snap.Fired != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestHourlyScheduleFiresEachHour(t *testing.T) {
	fc := clock.NewFake(epoch)
	src := &fakeSource{tasks: []domain.Task{
		{ID: "hourly", Status: domain.TaskPending, Schedule: "0 * * * *", IsRecurring: true, AssignedTo: "a1"},
	}}
	r := newRunner()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Timezone: "UTC", ScanInterval: time.Hour}, src, r, logx.Nop(), bus, WithClock(fc))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	blockUntil(t, fc, 2) // job timer and scan ticker
	if st := s.Status("hourly"); !st.Next.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("first next = %v", st.Next)
	}

	fc.Advance(30 * time.Minute)
	if id := r.next(t); id != "hourly" {
		t.Fatalf("triggered %q", id)
	}
	blockUntil(t, fc, 2)
	st := s.Status("hourly")
	if !st.Prev.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) || !st.Next.Equal(time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("after first fire: %+v", st)
	}

	fc.Advance(time.Hour)
	if id := r.next(t); id != "hourly" {
		t.Fatalf("triggered %q", id)
	}

	var fired int
	deadline := time.After(2 * time.Second)
	for fired < 2 {
		select {
		case e := <-events:
			if e.Type == eventbus.ScheduleFired {
				fired++
			}
		case <-deadline:
			t.Fatalf("schedule.fired events = %d, want 2", fired)
		}
	}
}

func TestStopClearsRegistry(t *testing.T) {
	fc := clock.NewFake(epoch)
	s := New(Config{}, &fakeSource{}, newRunner(), logx.Nop(), nil, WithClock(fc))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Register("t1", "*/5 * * * *"); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())

	if s.Running() || len(s.Jobs()) != 0 {
		t.Fatalf("registry not cleared: running=%v jobs=%d", s.Running(), len(s.Jobs()))
	}
	if got := fc.Waiters(); got != 0 {
		t.Fatalf("armed timers after stop = %d", got)
	}
}

func TestTriggerErrorsAreThrottled(t *testing.T) {
	var buf bytes.Buffer
	fc := clock.NewFake(epoch)
	s := New(Config{}, &fakeSource{}, newRunner(), logx.New(&buf, "debug"), nil, WithClock(fc))

	s.reportTriggerError("t1", errors.New("agent offline"))
	s.reportTriggerError("t1", errors.New("agent offline"))
	fc.Advance(6 * time.Second)
	s.reportTriggerError("t1", errors.New("agent offline"))
	s.reportTriggerError("t1", domain.Conflict("task", "t1", "not pending"))

	out := buf.String()
	if n := strings.Count(out, "schedule trigger failed"); n != 2 {
		t.Fatalf("warnings = %d, want 2\n%s", n, out)
	}
	if !strings.Contains(out, "schedule trigger skipped") {
		t.Fatalf("conflict not logged at debug\n%s", out)
	}
}

func TestAgentConflictsWarnThrottled(t *testing.T) {
	var buf bytes.Buffer
	fc := clock.NewFake(epoch)
	s := New(Config{}, &fakeSource{}, newRunner(), logx.New(&buf, "warn"), nil, WithClock(fc))

	parked := domain.Conflict("agent", "a1", "inactive (ERROR)")
	s.reportTriggerError("t1", parked)
	s.reportTriggerError("t1", parked)
	fc.Advance(6 * time.Second)
	s.reportTriggerError("t1", parked)
	s.reportTriggerError("t1", domain.Conflict("task", "t1", "not pending"))

	out := buf.String()
	if n := strings.Count(out, "agent unavailable"); n != 2 {
		t.Fatalf("agent warnings = %d, want 2\n%s", n, out)
	}
	if strings.Contains(out, "not pending") {
		t.Fatalf("task conflict logged at warn\n%s", out)
	}
}
