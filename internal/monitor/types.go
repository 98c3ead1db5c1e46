// Package monitor samples system and application health into bounded
// histories, evaluates alert thresholds and computes the health verdict.
package monitor

import (
	"context"
	"time"
)

type SystemSnapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	CPU       CPUStats     `json:"cpu"`
	Memory    UsageStats   `json:"memory"`
	Disk      UsageStats   `json:"disk"`
	Network   NetworkStats `json:"network"`
	Processes ProcStats    `json:"processes"`
	Uptime    float64      `json:"uptime"` // ms since the collector started
}

type CPUStats struct {
	Usage       float64    `json:"usage"`
	Cores       int        `json:"cores"`
	LoadAverage [3]float64 `json:"loadAverage"`
}

// UsageStats is in bytes; Usage is a percentage.
type UsageStats struct {
	Total uint64  `json:"total"`
	Used  uint64  `json:"used"`
	Free  uint64  `json:"free"`
	Usage float64 `json:"usage"`
}

type NetworkStats struct {
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`
}

type ProcStats struct {
	Total   int `json:"total"`
	Running int `json:"running"`
}

type ApplicationSnapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	Agents        AgentCounts     `json:"agents"`
	Tasks         TaskCounts      `json:"tasks"`
	Executions    ExecutionCounts `json:"executions"`
	Messages      MessageCounts   `json:"messages"`
	Notifications BusCounts       `json:"notifications"`
}

type AgentCounts struct {
	Total  int `json:"total"`
	Active int `json:"running"`
	Idle   int `json:"idle"`
	Error  int `json:"error"`
}

type TaskCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type ExecutionCounts struct {
	Total           int     `json:"total"`
	Running         int     `json:"running"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	AverageDuration float64 `json:"averageDuration"` // ms
}

// FailureRate is failed/total as a percentage, 0 with no executions.
func (e ExecutionCounts) FailureRate() float64 { return rate(e.Failed, e.Total) }

// FailureRate is failed/total as a percentage, 0 with no tasks.
func (t TaskCounts) FailureRate() float64 { return rate(t.Failed, t.Total) }

type MessageCounts struct {
	Total    int `json:"total"`
	LastHour int `json:"lastHour"`
}

type BusCounts struct {
	Subscribers int    `json:"connected"`
	Published   uint64 `json:"messages"`
}

func usage(total, free uint64) UsageStats {
	if free > total {
		free = total
	}
	u := UsageStats{Total: total, Free: free, Used: total - free}
	if total > 0 {
		u.Usage = float64(u.Used) / float64(total) * 100
	}
	return u
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func rate(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}

// SystemSource produces one system snapshot per call.
type SystemSource interface {
	Sample(ctx context.Context) (SystemSnapshot, error)
}

// Thresholds are percentages except ResponseTimeMS.
type Thresholds struct {
	CPU            float64 `json:"cpu"`
	Memory         float64 `json:"memory"`
	Disk           float64 `json:"disk"`
	ErrorRate      float64 `json:"errorRate"`
	ResponseTimeMS float64 `json:"responseTime"`
	FailedTasks    float64 `json:"failedTasks"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 80, Memory: 85, Disk: 90, ErrorRate: 10, ResponseTimeMS: 5000, FailedTasks: 20}
}

// WithDefaults replaces zero fields with the defaults.
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds()
	if t.CPU <= 0 {
		t.CPU = d.CPU
	}
	if t.Memory <= 0 {
		t.Memory = d.Memory
	}
	if t.Disk <= 0 {
		t.Disk = d.Disk
	}
	if t.ErrorRate <= 0 {
		t.ErrorRate = d.ErrorRate
	}
	if t.ResponseTimeMS <= 0 {
		t.ResponseTimeMS = d.ResponseTimeMS
	}
	if t.FailedTasks <= 0 {
		t.FailedTasks = d.FailedTasks
	}
	return t
}

// Config controls the collector.
type Config struct {
	SystemInterval      time.Duration
	ApplicationInterval time.Duration
	AlertInterval       time.Duration
	BufferSize          int
	Thresholds          Thresholds
}

func (c Config) withDefaults() Config {
	if c.SystemInterval <= 0 {
		c.SystemInterval = 30 * time.Second
	}
	if c.ApplicationInterval <= 0 {
		c.ApplicationInterval = time.Minute
	}
	if c.AlertInterval <= 0 {
		c.AlertInterval = 5 * time.Minute
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	c.Thresholds = c.Thresholds.WithDefaults()
	return c
}

// Metrics mirrors collector observations.
type Metrics interface {
	ObserveSystem(s SystemSnapshot)
	ObserveApplication(s ApplicationSnapshot)
	AlertCreated(severity, category string)
}

// Current is the latest sample of each kind; nil when none was taken.
type Current struct {
	System      *SystemSnapshot      `json:"system"`
	Application *ApplicationSnapshot `json:"application"`
}
