package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// Events forwarded to sinks; empty means eventbus.DomainEvents.
	Events []string
}

// Notification is one rendered bus event.
type Notification struct {
	Event string
	Time  time.Time
	Text  string
	JSON  []byte
}

// Sink delivers notifications to one destination. A sink error only fails
// that sink's attempt.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At    time.Time
	Sink  string
	Event string
	Text  string
}

type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Deduped uint64 `json:"deduped"`
}
