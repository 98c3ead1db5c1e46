package storage

import (
	"context"
	"errors"
	"time"

	"agentorch/internal/domain"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default, tests, demo)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Store is the persistence boundary of the orchestration core.
//
// Unknown identifiers yield a domain NotFoundError. JSON columns are encoded
// and decoded here; callers only see typed payloads.
type Store interface {
	AgentStore
	TaskStore
	ExecutionStore
	AlertStore
	DedupStore

	CreateMessage(ctx context.Context, m *domain.Message) error
	Stats(ctx context.Context, since time.Time) (Stats, error)
	Close() error
}

type AgentStore interface {
	GetAgent(ctx context.Context, id string) (domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	// PutAgent inserts or replaces an agent. An empty ID is assigned.
	PutAgent(ctx context.Context, a *domain.Agent) error
	// SetAgentStatus updates the status and appends to the status history.
	SetAgentStatus(ctx context.Context, id string, status domain.AgentStatus, at time.Time) error
	// TransitionAgent is the from -> to compare-and-set on agent status. It
	// reports false (and writes nothing) when the agent is missing or not in
	// from. A successful transition is appended to the status history.
	TransitionAgent(ctx context.Context, id string, from, to domain.AgentStatus, at time.Time) (bool, error)
	SetAgentPerformance(ctx context.Context, id string, p domain.PerformanceSnapshot) error
	StatusHistory(ctx context.Context, agentID string) ([]domain.StatusChange, error)
}

type TaskStore interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
	// PutTask inserts or replaces a task. An empty ID is assigned.
	PutTask(ctx context.Context, t *domain.Task) error

	// ClaimTask is the PENDING -> RUNNING compare-and-set. It reports false
	// (and writes nothing) when the task is missing or not PENDING.
	ClaimTask(ctx context.Context, id string, at time.Time) (bool, error)
	// ReleaseTask undoes a claim (RUNNING -> PENDING).
	ReleaseTask(ctx context.Context, id string, at time.Time) error
	// FinishTask applies a terminal status to a RUNNING task.
	FinishTask(ctx context.Context, id string, r TaskResult) (bool, error)
	// RescheduleTask returns a COMPLETED or FAILED task to PENDING with a new
	// scheduledFor. It reports false when the task is missing or in any other
	// status, so a cancelled task stays cancelled.
	RescheduleTask(ctx context.Context, id string, scheduledFor, at time.Time) (bool, error)
	// UpdateTaskSchedule sets the cron schedule fields.
	UpdateTaskSchedule(ctx context.Context, id, schedule string, recurring bool, scheduledFor *time.Time, at time.Time) error
}

type ExecutionStore interface {
	// CreateExecution inserts a new execution. An empty ID is assigned.
	CreateExecution(ctx context.Context, e *domain.Execution) error
	// FinishExecution applies the terminal update; false when the execution
	// is missing or already terminal.
	FinishExecution(ctx context.Context, id string, r domain.ExecutionResult) (bool, error)
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]domain.Execution, error)

	AppendLog(ctx context.Context, l *domain.ExecutionLog) error
	ListLogs(ctx context.Context, executionID string) ([]domain.ExecutionLog, error)
}

type AlertStore interface {
	CreateAlert(ctx context.Context, a *domain.Alert) error
	// ResolveAlert flips resolved once; false when missing or already resolved.
	ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error)
	GetAlert(ctx context.Context, id string) (domain.Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]domain.Alert, error)
}

type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type TaskFilter struct {
	Status        domain.TaskStatus // empty matches all
	RecurringOnly bool              // schedule set and isRecurring
	DueBy         time.Time         // scheduledFor <= DueBy; zero disables
	AssignedTo    string
}

type TaskResult struct {
	Status      domain.TaskStatus
	Progress    int
	Output      *domain.ExecutionOutput
	CompletedAt time.Time
}

type ExecutionFilter struct {
	AgentID string
	TaskID  string
	Status  domain.ExecutionStatus
	Limit   int // 0 = unlimited; newest first when set
}

type AlertFilter struct {
	Limit          int
	UnresolvedOnly bool
}

// Stats are aggregate counts feeding the application metrics snapshot.
type Stats struct {
	Agents     map[domain.AgentStatus]int
	Tasks      map[domain.TaskStatus]int
	Executions map[domain.ExecutionStatus]int

	// AverageExecutionMS is over COMPLETED executions with a duration.
	AverageExecutionMS float64

	Messages      int
	MessagesSince int
}

func (s Stats) AgentsTotal() int     { return sum(s.Agents) }
func (s Stats) TasksTotal() int      { return sum(s.Tasks) }
func (s Stats) ExecutionsTotal() int { return sum(s.Executions) }

func sum[K comparable](m map[K]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
