// Package performance derives per-agent scores from execution and task
// history and ranks agents against each other.
package performance

import (
	"math"
	"time"

	"agentorch/internal/domain"
)

// Metrics is the performance view of one agent.
type Metrics struct {
	AgentID string `json:"agentId"`
	domain.PerformanceSnapshot
}

const day = 24 * time.Hour

// Compute is pure: the same inputs always give the same Metrics.
//
// execs and tasks are the agent's executions and assigned tasks; history is
// its status-transition history, oldest first.
func Compute(a domain.Agent, execs []domain.Execution, tasks []domain.Task, history []domain.StatusChange, now time.Time) Metrics {
	m := Metrics{AgentID: a.ID}
	p := &m.PerformanceSnapshot
	p.UpdatedAt = now

	var totalMS float64
	completedWithDuration := 0
	for _, e := range execs {
		p.TotalExecutions++
		switch e.Status {
		case domain.ExecutionCompleted:
			p.SuccessfulExecutions++
			if e.Duration > 0 {
				completedWithDuration++
				totalMS += float64(e.Duration.Milliseconds())
			}
		case domain.ExecutionFailed:
			p.FailedExecutions++
		}
		if e.StartedAt.After(p.LastActive) {
			p.LastActive = e.StartedAt
		}
	}
	if p.TotalExecutions > 0 {
		p.SuccessRate = pct(p.SuccessfulExecutions, p.TotalExecutions)
		p.ErrorRate = pct(p.FailedExecutions, p.TotalExecutions)
	}
	p.TotalExecutionMS = totalMS
	if completedWithDuration > 0 {
		p.AverageExecutionMS = totalMS / float64(completedWithDuration)
	}

	for _, t := range tasks {
		if t.Status == domain.TaskCompleted {
			p.TasksCompleted++
		}
	}
	days := math.Max(1, float64(now.Sub(a.CreatedAt))/float64(day))
	p.AverageTasksPerDay = float64(p.TasksCompleted) / days

	p.Uptime = Uptime(history, now)
	p.PerformanceScore = score(p)
	p.Efficiency = efficiency(p.TasksCompleted, p.TotalExecutionMS)
	p.Reliability = (p.SuccessRate + p.Uptime) / 2
	return m
}

// Uptime is the share of observed time not spent in ERROR, from the first
// status change up to now. No observed time means 100.
func Uptime(history []domain.StatusChange, now time.Time) float64 {
	if len(history) == 0 {
		return 100
	}
	var total, errored time.Duration
	for i, h := range history {
		end := now
		if i+1 < len(history) {
			end = history[i+1].At
		}
		d := end.Sub(h.At)
		if d <= 0 {
			continue
		}
		total += d
		if h.Status == domain.AgentError {
			errored += d
		}
	}
	if total <= 0 {
		return 100
	}
	return float64(total-errored) / float64(total) * 100
}

// score weights success 30%, speed 20%, uptime 25%, error rate 15% and task
// volume 10%. With no executions the success, speed and error terms are 0.
func score(p *domain.PerformanceSnapshot) float64 {
	var success, speed, errTerm float64
	if p.TotalExecutions > 0 {
		success = p.SuccessRate
		speed = math.Max(0, 100-p.AverageExecutionMS/100)
		errTerm = math.Max(0, 100-p.ErrorRate)
	}
	volume := math.Min(100, float64(p.TasksCompleted)*2)
	s := success*0.3 + speed*0.2 + p.Uptime*0.25 + errTerm*0.15 + volume*0.1
	return math.Min(100, math.Max(0, s))
}

func efficiency(completed int, totalMS float64) float64 {
	if totalMS <= 0 {
		return 0
	}
	perMinute := float64(completed) / totalMS * 60000
	return math.Min(100, perMinute*10)
}

func pct(part, total int) float64 {
	return float64(part) * 100 / float64(total)
}
