package notifier

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentorch/internal/eventbus"
)

const maxTextRunes = 300

type wireEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Render turns a bus event into a Notification.
func Render(e eventbus.Event) Notification {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b, err := json.Marshal(wireEvent{Type: e.Type, Time: e.Time, Data: e.Data})
	if err != nil {
		b, _ = json.Marshal(wireEvent{Type: e.Type, Time: e.Time})
	}
	return Notification{Event: e.Type, Time: e.Time, Text: clip(text(e)), JSON: b}
}

func text(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case eventbus.AgentStatusData:
		return fmt.Sprintf("Agent %s is now %s", d.AgentID, d.Status)
	case eventbus.TaskStatusData:
		return fmt.Sprintf("Task %s %s (%d%%)", d.TaskID, d.Status, d.Progress)
	case eventbus.ExecutionStatusData:
		s := fmt.Sprintf("Execution %s %s", d.ExecutionID, d.Status)
		if d.Duration > 0 {
			s += " in " + d.Duration.Round(time.Millisecond).String()
		}
		if d.Error != "" {
			s += ": " + d.Error
		}
		return s
	case eventbus.MessageData:
		return fmt.Sprintf("[%s] %s: %s", d.Type, d.AgentID, d.Content)
	case eventbus.SystemStatusData:
		return fmt.Sprintf("System: %d agents (%d active), %d tasks, %d running executions",
			d.Agents, d.ActiveAgents, d.Tasks, d.RunningExecutions)
	case eventbus.AlertData:
		if e.Type == eventbus.AlertResolved {
			return "Resolved: " + d.Message
		}
		return fmt.Sprintf("[%s] %s", d.Severity, d.Message)
	case eventbus.ScheduleData:
		if d.Next.IsZero() {
			return fmt.Sprintf("%s %s", e.Type, d.TaskID)
		}
		return fmt.Sprintf("%s %s, next %s", e.Type, d.TaskID, d.Next.Format(time.RFC3339))
	}
	return e.Type
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxTextRunes {
		return s
	}
	return string(r[:maxTextRunes-3]) + "..."
}
