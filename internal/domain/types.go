// Package domain holds the entities shared by the orchestration services:
// agents, tasks, executions and their logs, messages and alerts.
package domain

import (
	"time"
)

type AgentStatus string

const (
	AgentIdle    AgentStatus = "IDLE"
	AgentRunning AgentStatus = "RUNNING"
	AgentPaused  AgentStatus = "PAUSED"
	AgentError   AgentStatus = "ERROR"
	AgentStopped AgentStatus = "STOPPED"
)

// Runnable reports whether an agent in this status is active. A RUNNING agent
// is active but busy until its execution finishes; paused, stopped and
// errored agents take no work until an operator changes their status.
func (s AgentStatus) Runnable() bool {
	return s == AgentIdle || s == AgentRunning
}

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentRunning, AgentPaused, AgentError, AgentStopped:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether the execution has reached its final state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

type MessageType string

const (
	MessageUser   MessageType = "USER"
	MessageAgent  MessageType = "AGENT"
	MessageSystem MessageType = "SYSTEM"
)

type Agent struct {
	ID           string
	Name         string
	Type         string
	Model        string
	Description  string
	Capabilities []string
	Status       AgentStatus
	Performance  *PerformanceSnapshot
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Task struct {
	ID           string
	Title        string
	Description  string
	Priority     Priority
	Status       TaskStatus
	Progress     int
	Schedule     string
	ScheduledFor *time.Time
	IsRecurring  bool
	AssignedTo   string
	Input        Payload
	Output       *ExecutionOutput
	LastRun      *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Recurring reports whether the task is driven by a cron schedule.
func (t Task) Recurring() bool {
	return t.IsRecurring && t.Schedule != ""
}

type Execution struct {
	ID          string
	AgentID     string
	TaskID      string
	Status      ExecutionStatus
	Input       Payload
	Output      *ExecutionOutput
	Duration    time.Duration
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// ExecutionResult is the terminal update applied to a RUNNING execution.
type ExecutionResult struct {
	Status      ExecutionStatus
	Output      *ExecutionOutput
	Duration    time.Duration
	Error       string
	CompletedAt time.Time
}

type ExecutionLog struct {
	ID          string
	ExecutionID string
	Level       LogLevel
	Message     string
	Metadata    LogMetadata
	Timestamp   time.Time
}

type Message struct {
	ID        string
	AgentID   string
	Content   string
	Type      MessageType
	Metadata  MessageMetadata
	CreatedAt time.Time
}

// StatusChange is one entry of an agent's status-transition history.
type StatusChange struct {
	AgentID string
	Status  AgentStatus
	At      time.Time
}

type AlertSeverity string

const (
	SeverityInfo    AlertSeverity = "INFO"
	SeverityWarning AlertSeverity = "WARNING"
	SeverityError   AlertSeverity = "ERROR"
)

type AlertCategory string

const (
	CategorySystem      AlertCategory = "SYSTEM"
	CategoryApplication AlertCategory = "APPLICATION"
	CategorySecurity    AlertCategory = "SECURITY"
)

type Alert struct {
	ID         string             `json:"id"`
	Severity   AlertSeverity      `json:"severity"`
	Category   AlertCategory      `json:"category"`
	Message    string             `json:"message"`
	CreatedAt  time.Time          `json:"timestamp"`
	Resolved   bool               `json:"resolved"`
	ResolvedAt *time.Time         `json:"resolvedAt,omitempty"`
	Metadata   map[string]float64 `json:"metadata,omitempty"`
}
