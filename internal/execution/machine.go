package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentorch/internal/clock"
	"agentorch/internal/completion"
	"agentorch/internal/cronexpr"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	"agentorch/internal/task/engine"
	logx "agentorch/pkg/logx"
)

// Machine drives agents, tasks and executions through one unit of work.
//
// Admission takes two compare-and-set claims, the agent IDLE -> RUNNING and
// the task PENDING -> RUNNING. A run that loses either is rejected with a
// ConflictError and leaves no trace. Finalization moves the agent out of
// RUNNING only if it is still RUNNING, so an ERROR park or an operator's
// status change survives until cleared. Once admitted, the execution always reaches a terminal state, whether the
// completion call succeeds, fails, times out or never starts because the
// engine dropped it.
type Machine struct {
	cfg     Config
	store   Store
	client  completion.Client
	engine  Engine
	clock   clock.Clock
	bus     eventbus.Bus
	log     logx.Logger
	metrics Metrics
}

type Option func(*Machine)

func WithClock(c clock.Clock) Option { return func(m *Machine) { m.clock = c } }

func WithMetrics(mt Metrics) Option { return func(m *Machine) { m.metrics = mt } }

func New(cfg Config, store Store, client completion.Client, eng Engine, log logx.Logger, bus eventbus.Bus, opts ...Option) *Machine {
	if bus == nil {
		bus = eventbus.Nop()
	}
	m := &Machine{
		cfg:    cfg.withDefaults(),
		store:  store,
		client: client,
		engine: eng,
		clock:  clock.Real(),
		bus:    bus,
		log:    log,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// work is the state carried from admission to finalization.
type work struct {
	agent   domain.Agent
	task    *domain.Task
	exec    domain.Execution
	handle  *Handle
	baseCtx context.Context
}

// Start admits a unit of work and hands it to the engine. The returned handle
// reports the terminal state; admission errors are returned directly.
func (m *Machine) Start(ctx context.Context, req Request) (*Handle, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, domain.Validation("agentId", "required")
	}
	agent, err := m.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if !agent.Status.Runnable() {
		return nil, domain.Conflict("agent", agent.ID, "inactive ("+string(agent.Status)+")")
	}

	var task *domain.Task
	if req.TaskID != "" {
		t, err := m.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		if t.Status != domain.TaskPending {
			return nil, domain.Conflict("task", t.ID, "status is "+string(t.Status))
		}
		task = &t
	}

	now := m.clock.Now()
	claimed, err := m.store.TransitionAgent(ctx, agent.ID, domain.AgentIdle, domain.AgentRunning, now)
	if err != nil {
		return nil, fmt.Errorf("claim agent: %w", err)
	}
	if !claimed {
		return nil, domain.Conflict("agent", agent.ID, "busy")
	}
	if task != nil {
		ok, err := m.store.ClaimTask(ctx, task.ID, now)
		if err != nil || !ok {
			m.releaseAgent(ctx, agent.ID, now)
			if err != nil {
				return nil, fmt.Errorf("claim task: %w", err)
			}
			return nil, domain.Conflict("task", task.ID, "already claimed")
		}
		task.Status = domain.TaskRunning
		task.LastRun = &now
	}

	input := req.Input
	if input.IsEmpty() && task != nil {
		input = task.Input
	}
	exec := domain.Execution{
		AgentID:   agent.ID,
		Status:    domain.ExecutionRunning,
		Input:     input,
		StartedAt: now,
	}
	if task != nil {
		exec.TaskID = task.ID
	}
	if err := m.store.CreateExecution(ctx, &exec); err != nil {
		if task != nil {
			if rerr := m.store.ReleaseTask(context.WithoutCancel(ctx), task.ID, now); rerr != nil {
				m.log.Error("release task claim failed", logx.String("task", task.ID), logx.Err(rerr))
			}
		}
		m.releaseAgent(ctx, agent.ID, now)
		return nil, fmt.Errorf("create execution: %w", err)
	}

	w := &work{agent: agent, task: task, exec: exec, handle: newHandle(exec.ID), baseCtx: context.WithoutCancel(ctx)}
	m.appendLog(ctx, exec.ID, domain.LogInfo, "Starting execution for agent: "+agent.Name, domain.LogMetadata{AgentID: agent.ID, TaskID: exec.TaskID})

	m.publishExecution(now, exec, "")
	if task != nil {
		m.publishTask(now, task.ID, domain.TaskRunning, task.Progress)
	}
	m.publishAgent(now, agent.ID, domain.AgentRunning)

	m.log.Info("execution started",
		logx.String("execution", exec.ID),
		logx.String("agent", agent.ID),
		logx.String("task", exec.TaskID),
	)

	err = m.engine.Enqueue(engine.Task{
		ID:   exec.ID,
		Name: "execution",
		Key:  exec.ID,
		Run: func(ctx context.Context) error {
			m.run(ctx, w)
			return nil
		},
		Abandon: func(reason error) {
			m.finalize(w, "", fmt.Errorf("execution not started: %w", reason))
		},
		Opt: engine.TaskOptions{RetryMax: 0},
	})
	if err != nil {
		m.finalize(w, "", fmt.Errorf("execution not started: %w", err))
	}
	return w.handle, nil
}

// RunTask starts the task on its assigned agent.
func (m *Machine) RunTask(ctx context.Context, taskID string) (*Handle, error) {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(t.AssignedTo) == "" {
		return nil, domain.Validation("assignedTo", "task "+t.ID+" has no assigned agent")
	}
	return m.Start(ctx, Request{AgentID: t.AssignedTo, TaskID: t.ID})
}

// TriggerTask is RunTask for callers that do not wait on the result.
func (m *Machine) TriggerTask(ctx context.Context, taskID string) error {
	_, err := m.RunTask(ctx, taskID)
	return err
}

// Clear returns an agent parked in ERROR to IDLE.
func (m *Machine) Clear(ctx context.Context, agentID string) error {
	a, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.Status != domain.AgentError {
		return domain.Conflict("agent", a.ID, "not in ERROR (status "+string(a.Status)+")")
	}
	now := m.clock.Now()
	ok, err := m.store.TransitionAgent(ctx, a.ID, domain.AgentError, domain.AgentIdle, now)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Conflict("agent", a.ID, "status changed while clearing")
	}
	m.publishAgent(now, a.ID, domain.AgentIdle)
	m.log.Info("agent cleared", logx.String("agent", a.ID))
	return nil
}

// releaseAgent undoes an agent claim for a run that was not admitted.
func (m *Machine) releaseAgent(ctx context.Context, id string, at time.Time) {
	if _, err := m.store.TransitionAgent(context.WithoutCancel(ctx), id, domain.AgentRunning, domain.AgentIdle, at); err != nil {
		m.log.Error("release agent claim failed", logx.String("agent", id), logx.Err(err))
	}
}

func (m *Machine) run(ctx context.Context, w *work) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req := buildRequest(m.cfg, w.agent, w.task, w.exec.Input)
	text, err := m.client.Complete(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("completion timed out after %s: %w", m.cfg.Timeout, err)
	}
	m.finalize(w, text, err)
}

// finalize writes the terminal state. It runs on a context detached from the
// work timeout; a failing step is logged and the remaining steps still run.
func (m *Machine) finalize(w *work, text string, cause error) {
	ctx, cancel := context.WithTimeout(w.baseCtx, finalizeTimeout)
	defer cancel()

	now := m.clock.Now()
	dur := max(now.Sub(w.exec.StartedAt), 0)
	execID, taskID := w.exec.ID, w.exec.TaskID

	status := domain.ExecutionCompleted
	var output *domain.ExecutionOutput
	errText := ""
	if cause != nil {
		status = domain.ExecutionFailed
		errText = cause.Error()
	} else {
		if strings.TrimSpace(text) == "" {
			text = noResponse
		}
		output = &domain.ExecutionOutput{Result: text, Timestamp: now}
	}

	ok, err := m.store.FinishExecution(ctx, execID, domain.ExecutionResult{
		Status:      status,
		Output:      output,
		Duration:    dur,
		Error:       errText,
		CompletedAt: now,
	})
	switch {
	case err != nil:
		m.log.Error("execution terminal write failed", logx.String("execution", execID), logx.Err(err))
	case !ok:
		m.log.Warn("execution already terminal", logx.String("execution", execID))
	}

	taskFinished := false
	if w.task != nil {
		tr := storage.TaskResult{Status: domain.TaskCompleted, Progress: 100, Output: output, CompletedAt: now}
		if cause != nil {
			tr = storage.TaskResult{Status: domain.TaskFailed, Progress: w.task.Progress, CompletedAt: now}
		}
		ok, err := m.store.FinishTask(ctx, taskID, tr)
		switch {
		case err != nil:
			m.log.Error("task terminal write failed", logx.String("task", taskID), logx.Err(err))
		case !ok:
			m.log.Warn("task left RUNNING during execution; keeping its status", logx.String("task", taskID))
		default:
			taskFinished = true
		}
	}

	agentStatus := domain.AgentIdle
	var msg domain.Message
	if cause == nil {
		m.appendLog(ctx, execID, domain.LogInfo,
			fmt.Sprintf("Execution completed successfully in %dms", dur.Milliseconds()),
			domain.LogMetadata{AgentID: w.agent.ID, TaskID: taskID, Result: excerpt(text, 100) + "..."})
		msg = domain.Message{
			AgentID:  w.agent.ID,
			Content:  "Task completed: " + excerpt(text, 200) + "...",
			Type:     domain.MessageAgent,
			Metadata: domain.MessageMetadata{ExecutionID: execID, TaskID: taskID},
		}
	} else {
		agentStatus = domain.AgentError
		m.appendLog(ctx, execID, domain.LogError, "Execution failed: "+errText,
			domain.LogMetadata{AgentID: w.agent.ID, TaskID: taskID, Error: errText})
		msg = domain.Message{
			AgentID:  w.agent.ID,
			Content:  "Task failed: " + errText,
			Type:     domain.MessageAgent,
			Metadata: domain.MessageMetadata{ExecutionID: execID, TaskID: taskID, Error: true},
		}
	}
	msg.CreatedAt = now
	if err := m.store.CreateMessage(ctx, &msg); err != nil {
		m.log.Warn("message write failed", logx.String("execution", execID), logx.Err(err))
	} else {
		m.bus.Publish(eventbus.Event{Type: eventbus.MessageCreated, Time: now, Data: eventbus.MessageData{
			MessageID: msg.ID, AgentID: msg.AgentID, Type: string(msg.Type), Content: msg.Content,
		}})
	}

	agentMoved, err := m.store.TransitionAgent(ctx, w.agent.ID, domain.AgentRunning, agentStatus, now)
	switch {
	case err != nil:
		m.log.Warn("agent status update failed", logx.String("agent", w.agent.ID), logx.Err(err))
	case !agentMoved:
		m.log.Warn("agent left RUNNING during execution; keeping its status", logx.String("agent", w.agent.ID))
	}

	if taskFinished && w.task.Recurring() {
		m.rescheduleRecurring(ctx, w.task, now)
	}

	exec := w.exec
	exec.Status, exec.Output, exec.Duration, exec.Error, exec.CompletedAt = status, output, dur, errText, &now
	m.publishExecution(now, exec, errText)
	if taskFinished {
		taskStatus, progress := domain.TaskCompleted, 100
		if cause != nil {
			taskStatus, progress = domain.TaskFailed, w.task.Progress
		}
		m.publishTask(now, taskID, taskStatus, progress)
	}
	if agentMoved {
		m.publishAgent(now, w.agent.ID, agentStatus)
	}

	if m.metrics != nil {
		m.metrics.ExecutionFinished(status, dur)
	}
	if cause != nil {
		m.log.Warn("execution failed", logx.String("execution", execID), logx.Duration("dur", dur), logx.Err(cause))
	} else {
		m.log.Info("execution completed", logx.String("execution", execID), logx.Duration("dur", dur))
	}

	w.handle.complete(m.result(ctx, exec, taskID))
}

// rescheduleRecurring returns a finished recurring task to PENDING at its
// next trigger instant. The terminal write stays in place on failure; a store
// error hands the reset to the engine for a bounded number of retries.
func (m *Machine) rescheduleRecurring(ctx context.Context, t *domain.Task, now time.Time) {
	next, err := cronexpr.NextRun(t.Schedule, now.In(m.cfg.Location))
	if err != nil {
		m.log.Warn("next run computation failed", logx.String("task", t.ID), logx.String("schedule", t.Schedule), logx.Err(err))
		return
	}
	err = m.resetTask(ctx, t.ID, next, now)
	if err == nil {
		return
	}
	m.log.Warn("recurring task reset failed; retrying", logx.String("task", t.ID), logx.Err(err))

	id := t.ID
	err = m.engine.Enqueue(engine.Task{
		ID:   "reset-" + id,
		Name: "recurring.reset",
		Key:  "reset:" + id,
		Run: func(ctx context.Context) error {
			err := m.resetTask(ctx, id, next, m.clock.Now())
			if errors.Is(err, storage.ErrClosed) {
				return engine.NoRetry(err)
			}
			return err
		},
		Abandon: func(reason error) {
			m.log.Warn("recurring task reset abandoned", logx.String("task", id), logx.Err(reason))
		},
		Opt: engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: resetRetries, RetryBase: resetRetryBase},
	})
	if err != nil {
		m.log.Error("recurring task reset not retried", logx.String("task", id), logx.Err(err))
	}
}

// resetTask applies the reset. A task that is no longer COMPLETED or FAILED
// (cancelled, or claimed by someone else) is left alone.
func (m *Machine) resetTask(ctx context.Context, id string, next, at time.Time) error {
	ok, err := m.store.RescheduleTask(ctx, id, next, at)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Info("recurring task not reset: status changed", logx.String("task", id))
		return nil
	}
	m.publishTask(at, id, domain.TaskPending, 0)
	m.log.Debug("recurring task reset", logx.String("task", id), logx.Time("next", next))
	return nil
}

func (m *Machine) result(ctx context.Context, exec domain.Execution, taskID string) Result {
	r := Result{Execution: exec}
	if stored, err := m.store.GetExecution(ctx, exec.ID); err == nil {
		r.Execution = stored
	}
	if taskID != "" {
		if t, err := m.store.GetTask(ctx, taskID); err == nil {
			r.Task = &t
		}
	}
	return r
}

func (m *Machine) appendLog(ctx context.Context, execID string, level domain.LogLevel, msg string, md domain.LogMetadata) {
	l := domain.ExecutionLog{ExecutionID: execID, Level: level, Message: msg, Metadata: md, Timestamp: m.clock.Now()}
	if err := m.store.AppendLog(ctx, &l); err != nil {
		m.log.Warn("execution log write failed", logx.String("execution", execID), logx.Err(err))
	}
}

func (m *Machine) publishExecution(at time.Time, e domain.Execution, errText string) {
	m.bus.Publish(eventbus.Event{Type: eventbus.ExecutionStatus, Time: at, Data: eventbus.ExecutionStatusData{
		ExecutionID: e.ID,
		AgentID:     e.AgentID,
		TaskID:      e.TaskID,
		Status:      string(e.Status),
		Duration:    e.Duration,
		Error:       errText,
	}})
}

func (m *Machine) publishTask(at time.Time, id string, s domain.TaskStatus, progress int) {
	m.bus.Publish(eventbus.Event{Type: eventbus.TaskStatus, Time: at, Data: eventbus.TaskStatusData{TaskID: id, Status: string(s), Progress: progress}})
}

func (m *Machine) publishAgent(at time.Time, id string, s domain.AgentStatus) {
	m.bus.Publish(eventbus.Event{Type: eventbus.AgentStatus, Time: at, Data: eventbus.AgentStatusData{AgentID: id, Status: string(s)}})
}
