package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Payload is caller-supplied structured input. It is always a JSON object
// (or empty); NewPayload rejects anything else.
type Payload struct {
	raw json.RawMessage
}

// NewPayload validates b as a JSON object.
func NewPayload(b []byte) (Payload, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return Payload{}, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return Payload{}, Validation("input", "must be a JSON object")
	}
	return Payload{raw: append(json.RawMessage(nil), b...)}, nil
}

// PayloadOf marshals v into a Payload. v must encode as a JSON object.
func PayloadOf(v any) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Payload{}, err
	}
	return NewPayload(b)
}

func (p Payload) IsEmpty() bool { return len(p.raw) == 0 }

// Bytes returns the JSON encoding, nil when empty.
func (p Payload) Bytes() []byte {
	if len(p.raw) == 0 {
		return nil
	}
	return append([]byte(nil), p.raw...)
}

// Compact returns the payload as single-line JSON.
func (p Payload) Compact() string {
	if len(p.raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, p.raw); err != nil {
		return string(p.raw)
	}
	return buf.String()
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.raw, nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	np, err := NewPayload(b)
	if err != nil {
		return err
	}
	*p = np
	return nil
}

// ExecutionOutput is the work product of a completed execution.
type ExecutionOutput struct {
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

type LogMetadata struct {
	AgentID string `json:"agentId,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

type MessageMetadata struct {
	ExecutionID string `json:"executionId,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	Error       bool   `json:"error,omitempty"`
}

// PerformanceSnapshot is the cached performance view persisted on an agent.
type PerformanceSnapshot struct {
	TotalExecutions      int       `json:"totalExecutions"`
	SuccessfulExecutions int       `json:"successfulExecutions"`
	FailedExecutions     int       `json:"failedExecutions"`
	SuccessRate          float64   `json:"successRate"`
	ErrorRate            float64   `json:"errorRate"`
	AverageExecutionMS   float64   `json:"averageExecutionTime"`
	TotalExecutionMS     float64   `json:"totalExecutionTime"`
	TasksCompleted       int       `json:"tasksCompleted"`
	AverageTasksPerDay   float64   `json:"averageTasksPerDay"`
	Uptime               float64   `json:"uptime"`
	LastActive           time.Time `json:"lastActive"`
	PerformanceScore     float64   `json:"performanceScore"`
	Efficiency           float64   `json:"efficiency"`
	Reliability          float64   `json:"reliability"`
	UpdatedAt            time.Time `json:"updatedAt"`
}
