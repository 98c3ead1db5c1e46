// Package execution runs one unit of agent work from admission to its
// terminal write.
package execution

import (
	"context"
	"sync"
	"time"

	"agentorch/internal/domain"
	"agentorch/internal/storage"
	"agentorch/internal/task/engine"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxTokens = 2000
	maxTemperature   = 2.0
	maxTokensCap     = 8192

	finalizeTimeout = 15 * time.Second

	// A recurring reset that fails on a store error is retried on the engine.
	resetRetries   = 3
	resetRetryBase = 500 * time.Millisecond
)

// Config holds the generation parameters applied to every unit of work.
type Config struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
	// Location evaluates recurring schedules; nil means time.Local.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Temperature < 0 {
		c.Temperature = 0
	}
	if c.Temperature > maxTemperature {
		c.Temperature = maxTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.MaxTokens > maxTokensCap {
		c.MaxTokens = maxTokensCap
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Store is the persistence the machine drives.
type Store interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	TransitionAgent(ctx context.Context, id string, from, to domain.AgentStatus, at time.Time) (bool, error)

	GetTask(ctx context.Context, id string) (domain.Task, error)
	ClaimTask(ctx context.Context, id string, at time.Time) (bool, error)
	ReleaseTask(ctx context.Context, id string, at time.Time) error
	FinishTask(ctx context.Context, id string, r storage.TaskResult) (bool, error)
	RescheduleTask(ctx context.Context, id string, scheduledFor, at time.Time) (bool, error)

	CreateExecution(ctx context.Context, e *domain.Execution) error
	FinishExecution(ctx context.Context, id string, r domain.ExecutionResult) (bool, error)
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	AppendLog(ctx context.Context, l *domain.ExecutionLog) error

	CreateMessage(ctx context.Context, m *domain.Message) error
}

// Engine runs the work body off the caller's goroutine.
type Engine interface {
	Enqueue(t engine.Task) error
}

// Metrics receives one observation per terminal execution.
type Metrics interface {
	ExecutionFinished(status domain.ExecutionStatus, d time.Duration)
}

// Request starts a unit of work. TaskID is optional.
type Request struct {
	AgentID string
	TaskID  string
	Input   domain.Payload
}

// Result is the terminal state of one execution.
type Result struct {
	Execution domain.Execution
	Task      *domain.Task
}

// Handle tracks one started execution.
type Handle struct {
	ExecutionID string

	once sync.Once
	done chan struct{}
	res  Result
}

func newHandle(id string) *Handle {
	return &Handle{ExecutionID: id, done: make(chan struct{})}
}

// Done is closed once the terminal state has been written.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result is valid after Done is closed.
func (h *Handle) Result() Result {
	<-h.done
	return h.res
}

// Wait blocks until the execution is terminal or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) complete(r Result) {
	h.once.Do(func() {
		h.res = r
		close(h.done)
	})
}
