package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentorch/internal/clock"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	logx "agentorch/pkg/logx"

	rtsup "agentorch/internal/runtime/supervisor"
)

const (
	defaultScanInterval = time.Minute
	triggerTimeout      = 30 * time.Second
	triggerWarnThrottle = 5 * time.Second
)

func New(cfg Config, src TaskSource, runner Runner, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		clock:    clock.Real(),
		src:      src,
		runner:   runner,
		jobs:     map[string]*job{},
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocation()
	return s
}

// Start marks the registry running, restores recurring schedules from the
// store and starts the one-shot scan. A failing restore query is the only
// error; individual bad schedules are logged and skipped.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.ctx = s.sup.Context()
	s.running = true
	sup := s.sup
	s.mu.Unlock()

	n, err := s.LoadActive(ctx)
	if err != nil {
		s.halt()
		return err
	}

	sup.GoRestart("schedule.scan", s.scanLoop, rtsup.WithPublishFirstError(true))
	s.log.Info("schedule registry started",
		logx.String("tz", s.loc.String()),
		logx.Int("schedules", n),
		logx.Duration("scan_interval", s.cfg.ScanInterval),
	)
	return nil
}

// Stop halts every timer and the scan loop and clears the registry.
// Executions already handed to the runner are not cancelled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := s.clock.Now()
	sup := s.halt()
	if sup == nil {
		return
	}
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("schedule registry stop timed out", logx.Err(err))
		return
	}
	s.log.Info("schedule registry stopped", logx.Duration("took", s.clock.Since(start)))
}

func (s *Service) halt() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	for id, j := range s.jobs {
		close(j.stop)
		delete(s.jobs, id)
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	sup.Cancel()
	s.observeJobsLocked()
	return sup
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Location is the zone cron expressions are evaluated in.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) scanLoop(ctx context.Context) error {
	t := s.clock.NewTicker(s.cfg.ScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			s.ScanDue(ctx)
		}
	}
}

// ScanDue triggers every PENDING task whose scheduledFor has passed and that
// is not owned by an active cron job. It returns the number of triggers.
func (s *Service) ScanDue(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastScan = now
	s.mu.Unlock()

	tasks, err := s.src.ListTasks(ctx, storage.TaskFilter{Status: domain.TaskPending, DueBy: now})
	if err != nil {
		s.log.Warn("due task scan failed", logx.Err(err))
		return 0
	}
	n := 0
	for _, t := range tasks {
		if s.owned(t.ID) {
			continue
		}
		if strings.TrimSpace(t.AssignedTo) == "" {
			s.log.Debug("due task has no assigned agent", logx.String("task", t.ID))
			continue
		}
		s.trigger(t.ID, "scan")
		n++
	}
	return n
}

func (s *Service) owned(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[taskID]
	return ok && !j.next.IsZero()
}

func (s *Service) trigger(taskID, source string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("schedule trigger panic", logx.String("task", taskID), logx.Any("panic", r))
		}
	}()

	s.mu.Lock()
	s.fired++
	base := s.ctx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if s.metrics != nil {
		s.metrics.ScheduleFired(source)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), triggerTimeout)
	defer cancel()
	s.reportTriggerError(taskID, s.runner.TriggerTask(ctx, taskID))
}

func (s *Service) reportTriggerError(taskID string, err error) {
	if err == nil {
		return
	}
	// a task already picked up by another trigger is normal; an agent that
	// is busy or parked skips the run and is worth a warning
	var ce *domain.ConflictError
	if errors.As(err, &ce) && ce.Kind == "task" {
		s.log.Debug("schedule trigger skipped", logx.String("task", taskID), logx.Err(err))
		return
	}
	msg := "schedule trigger failed"
	if ce != nil {
		msg = "schedule trigger skipped: agent unavailable"
	}

	now := s.clock.Now()
	s.warnMu.Lock()
	last := s.lastWarn[taskID]
	if !last.IsZero() && now.Sub(last) < triggerWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[taskID] = now
	s.warnMu.Unlock()

	s.log.Warn(msg, logx.String("task", taskID), logx.Err(err))
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) observeJobsLocked() {
	if s.metrics != nil {
		s.metrics.ScheduledJobs(len(s.jobs))
	}
}
