package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"agentorch/internal/clock"
	"agentorch/internal/cronexpr"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	logx "agentorch/pkg/logx"
)

// Schedule registers expr for taskID and reports whether the job is armed.
// Failures are logged.
func (s *Service) Schedule(taskID, expr string) bool {
	if err := s.Register(taskID, expr); err != nil {
		s.log.Warn("schedule rejected", logx.String("task", taskID), logx.String("schedule", expr), logx.Err(err))
		return false
	}
	return true
}

// Register replaces any existing job for taskID with one firing on expr.
// It returns a ValidationError for a malformed expression, ErrNotRunning
// before Start, and cronexpr.ErrNoMatch when expr never fires.
func (s *Service) Register(taskID, expr string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.Validation("taskId", "required")
	}
	sched, err := cronexpr.Parse(expr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ErrNotRunning
	}

	now := s.clock.Now().In(s.loc)
	next, err := sched.Next(now)
	if err != nil {
		return err
	}
	if old, ok := s.jobs[taskID]; ok {
		close(old.stop)
	}

	j := &job{taskID: taskID, sched: sched, next: next, stop: make(chan struct{})}
	s.jobs[taskID] = j
	timer := s.clock.NewTimer(next.Sub(now))
	s.sup.Go0("schedule."+taskID, func(ctx context.Context) { s.runJob(ctx, j, timer) })
	s.observeJobsLocked()

	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleRegistered, Time: now, Data: eventbus.ScheduleData{TaskID: taskID, Schedule: sched.String(), Next: next}})
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered", logx.String("task", taskID), logx.String("schedule", sched.String()), logx.String("next", previewRuns(sched, now, 3)))
	}
	return nil
}

// Unschedule removes the job for taskID. It reports whether a job existed.
func (s *Service) Unschedule(taskID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[taskID]
	if ok {
		close(j.stop)
		delete(s.jobs, taskID)
		s.observeJobsLocked()
	}
	s.mu.Unlock()

	if ok {
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleRemoved, Time: s.clock.Now(), Data: eventbus.ScheduleData{TaskID: taskID, Schedule: j.sched.String()}})
		s.log.Debug("schedule removed", logx.String("task", taskID))
	}
	return ok
}

// Status reports the job for taskID. An unknown id yields a zero status with
// only TaskID set.
func (s *Service) Status(taskID string) JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[taskID]
	if !ok {
		return JobStatus{TaskID: taskID}
	}
	return s.statusLocked(j)
}

// Jobs returns every registered job ordered by next trigger.
func (s *Service) Jobs() []JobStatus {
	s.mu.Lock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.statusLocked(j))
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].Next.Equal(out[k].Next) {
			return out[i].Next.Before(out[k].Next)
		}
		return out[i].TaskID < out[k].TaskID
	})
	return out
}

func (s *Service) statusLocked(j *job) JobStatus {
	return JobStatus{
		TaskID:      j.taskID,
		IsScheduled: true,
		IsActive:    s.running && !j.next.IsZero(),
		Schedule:    j.sched.String(),
		Next:        j.next,
		Prev:        j.prev,
	}
}

func (s *Service) Snapshot() Snapshot {
	jobs := s.Jobs()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Running:      s.running,
		Timezone:     s.loc.String(),
		ScanInterval: s.cfg.ScanInterval,
		Fired:        s.fired,
		LastScan:     s.lastScan,
		Jobs:         jobs,
	}
}

// LoadActive registers every PENDING recurring task found in the store and
// returns how many were armed.
func (s *Service) LoadActive(ctx context.Context) (int, error) {
	tasks, err := s.src.ListTasks(ctx, storage.TaskFilter{Status: domain.TaskPending, RecurringOnly: true})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if err := s.Register(t.ID, t.Schedule); err != nil {
			if errors.Is(err, ErrNotRunning) {
				return n, err
			}
			s.log.Warn("skipping stored schedule", logx.String("task", t.ID), logx.String("schedule", t.Schedule), logx.Err(err))
			continue
		}
		n++
	}
	return n, nil
}

// runJob owns j's timer. A firing hands the task to the runner on its own
// goroutine after the next timer is armed, so a slow trigger never delays
// the schedule.
func (s *Service) runJob(ctx context.Context, j *job, t clock.Timer) {
	for {
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-j.stop:
			t.Stop()
			return
		case <-t.C():
		}

		s.mu.Lock()
		if cur, ok := s.jobs[j.taskID]; !ok || cur != j {
			// replaced or removed between the tick and the lock
			s.mu.Unlock()
			return
		}
		now := s.clock.Now().In(s.loc)
		j.prev = j.next
		next, err := j.sched.Next(now)
		if err != nil {
			j.next = time.Time{}
			s.log.Warn("schedule has no further runs", logx.String("task", j.taskID), logx.String("schedule", j.sched.String()), logx.Err(err))
		} else {
			j.next = next
			t = s.clock.NewTimer(next.Sub(now))
		}
		s.sup.Go0("trigger."+j.taskID, func(context.Context) { s.trigger(j.taskID, "cron") })
		s.mu.Unlock()

		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleFired, Time: now, Data: eventbus.ScheduleData{TaskID: j.taskID, Schedule: j.sched.String(), Next: next}})
		if err != nil {
			select {
			case <-j.stop:
			case <-ctx.Done():
			}
			return
		}
	}
}

func previewRuns(sched cronexpr.Schedule, from time.Time, n int) string {
	var b strings.Builder
	t := from
	for i := 0; i < n; i++ {
		next, err := sched.Next(t)
		if err != nil {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(next.Format("2006-01-02 15:04"))
		t = next
	}
	return b.String()
}
