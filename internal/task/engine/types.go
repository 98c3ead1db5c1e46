package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the execution worker pool.
//
// The app layer maps config.task_engine into this struct. Execution timeouts
// are set per task by the execution machine; DefaultTimeout only applies to
// tasks submitted without one.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int

	// RetryMax is the default retry budget. 0 runs every task exactly once.
	RetryMax int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning skips a submission while another one with the
	// same key is queued or running.
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapAllow
	}
	return o
}

// RunState tracks whether a key is already queued or in flight.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Task is a unit of work executed by the engine.
//
// Key groups tasks for OverlapSkipIfRunning; it defaults to Name.
// Abandon, when set, is called instead of Run for an accepted task that will
// never run (stale in the queue, or still queued at Stop).
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Abandon func(reason error)
	Opt     TaskOptions
}

// Metrics receives pool-level observations. Implementations must be safe
// for concurrent use.
type Metrics interface {
	EngineTask(outcome string, d time.Duration)
	EngineDropped(reason string)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled   bool   `json:"enabled"`
	Workers   int    `json:"workers"`
	QueueLen  int    `json:"queueLen"`
	QueueCap  int    `json:"queueCap"`
	InFlight  int    `json:"inFlight"`
	Processed uint64 `json:"processed"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"droppedQueueFull"`
	DroppedStale     uint64 `json:"droppedStale"`

	DefaultTimeout time.Duration `json:"defaultTimeout"`
	MaxQueueDelay  time.Duration `json:"maxQueueDelay"`
	RetryMax       int           `json:"retryMax"`

	History []HistoryItem `json:"history,omitempty"`
}
