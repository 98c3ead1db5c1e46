package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"agentorch/internal/clock"
	"agentorch/internal/cronexpr"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	logx "agentorch/pkg/logx"

	rtsup "agentorch/internal/runtime/supervisor"
)

var ErrNotRunning = errors.New("schedule registry not running")

// Config controls the registry.
type Config struct {
	Timezone     string        // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	ScanInterval time.Duration // one-shot scan period; 0 means 1m
}

// TaskSource is the slice of the store the registry reads.
type TaskSource interface {
	ListTasks(ctx context.Context, f storage.TaskFilter) ([]domain.Task, error)
}

// Runner starts a task. Implementations return a domain ConflictError when
// the task is already out of PENDING.
type Runner interface {
	TriggerTask(ctx context.Context, taskID string) error
}

// Metrics receives registry observations.
type Metrics interface {
	ScheduleFired(source string)
	ScheduledJobs(n int)
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

type job struct {
	taskID string
	sched  cronexpr.Schedule
	next   time.Time
	prev   time.Time
	stop   chan struct{}
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	loc     *time.Location
	log     logx.Logger
	bus     eventbus.Bus
	clock   clock.Clock
	metrics Metrics

	src    TaskSource
	runner Runner

	running bool
	ctx     context.Context
	sup     *rtsup.Supervisor
	jobs    map[string]*job

	// trigger error throttling, keyed by task id
	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	fired    uint64
	lastScan time.Time
}

// JobStatus describes one registered schedule.
type JobStatus struct {
	TaskID      string    `json:"taskId"`
	IsScheduled bool      `json:"isScheduled"`
	IsActive    bool      `json:"isActive"`
	Schedule    string    `json:"schedule,omitempty"`
	Next        time.Time `json:"next,omitempty"`
	Prev        time.Time `json:"prev,omitempty"`
}

type Snapshot struct {
	Running      bool          `json:"running"`
	Timezone     string        `json:"timezone"`
	ScanInterval time.Duration `json:"scanInterval"`
	Fired        uint64        `json:"fired"`
	LastScan     time.Time     `json:"lastScan,omitempty"`
	Jobs         []JobStatus   `json:"jobs"`
}
