package eventbus

import "time"

// Domain event types.
const (
	AgentStatus     = "agent.status"
	TaskStatus      = "task.status"
	ExecutionStatus = "execution.status"
	MessageCreated  = "message.created"
	SystemStatus    = "system.status"

	AlertCreated  = "alert.created"
	AlertResolved = "alert.resolved"

	ScheduleRegistered = "schedule.registered"
	ScheduleRemoved    = "schedule.removed"
	ScheduleFired      = "schedule.fired"

	EngineTaskStarted  = "engine.task.started"
	EngineTaskFinished = "engine.task.finished"
	EngineTaskFailed   = "engine.task.failed"

	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDropped = "notifier.dropped"
	NotifierDeduped = "notifier.deduped"
)

// DomainEvents is the default set forwarded by the notifier.
var DomainEvents = []string{
	AgentStatus, TaskStatus, ExecutionStatus, MessageCreated, SystemStatus,
	AlertCreated, AlertResolved,
}

type AgentStatusData struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
}

type TaskStatusData struct {
	TaskID   string `json:"taskId"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

type ExecutionStatusData struct {
	ExecutionID string        `json:"executionId"`
	AgentID     string        `json:"agentId"`
	TaskID      string        `json:"taskId,omitempty"`
	Status      string        `json:"status"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type MessageData struct {
	MessageID string `json:"messageId"`
	AgentID   string `json:"agentId"`
	Type      string `json:"type"`
	Content   string `json:"content"`
}

type SystemStatusData struct {
	Agents            int `json:"agents"`
	ActiveAgents      int `json:"activeAgents"`
	Tasks             int `json:"tasks"`
	RunningExecutions int `json:"runningExecutions"`
}

type AlertData struct {
	AlertID  string `json:"alertId"`
	Severity string `json:"severity"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

type ScheduleData struct {
	TaskID   string    `json:"taskId"`
	Schedule string    `json:"schedule,omitempty"`
	Next     time.Time `json:"next,omitempty"`
}

type EngineTaskData struct {
	Name     string        `json:"name"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type NotifierData struct {
	Event string `json:"event"`
	Sink  string `json:"sink,omitempty"`
	Error string `json:"error,omitempty"`
}
