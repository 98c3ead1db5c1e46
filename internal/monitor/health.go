package monitor

import (
	"fmt"
	"time"
)

type CheckStatus string

const (
	CheckPass CheckStatus = "PASS"
	CheckWarn CheckStatus = "WARN"
	CheckFail CheckStatus = "FAIL"
)

type HealthStatus string

const (
	Healthy       HealthStatus = "HEALTHY"
	HealthWarning HealthStatus = "WARNING"
	HealthError   HealthStatus = "ERROR"
)

type HealthCheck struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Checks    map[string]HealthCheck `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// EvaluateHealth derives the verdict from the latest snapshots only. Checks
// backed by a missing snapshot are omitted. It has no side effects.
func EvaluateHealth(sys *SystemSnapshot, app *ApplicationSnapshot, th Thresholds, now time.Time) HealthReport {
	th = th.WithDefaults()
	checks := map[string]HealthCheck{}

	if sys != nil {
		checks["cpu"] = check(sys.CPU.Usage > th.CPU, CheckWarn, "CPU usage high: %.1f%%", sys.CPU.Usage)
		checks["memory"] = check(sys.Memory.Usage > th.Memory, CheckWarn, "Memory usage high: %.1f%%", sys.Memory.Usage)
		checks["disk"] = check(sys.Disk.Usage > th.Disk, CheckFail, "Disk usage critical: %.1f%%", sys.Disk.Usage)
	}
	if app != nil {
		tr := app.Tasks.FailureRate()
		checks["taskErrorRate"] = check(tr > th.FailedTasks, CheckWarn, "Task error rate high: %.1f%%", tr)
		er := app.Executions.FailureRate()
		checks["executionErrorRate"] = check(er > th.ErrorRate, CheckWarn, "Execution error rate high: %.1f%%", er)
		avg := app.Executions.AverageDuration
		checks["executionTime"] = check(avg > th.ResponseTimeMS, CheckWarn, "Execution time high: %.0fms", avg)
	}

	status := Healthy
	for _, c := range checks {
		switch c.Status {
		case CheckFail:
			status = HealthError
		case CheckWarn:
			if status != HealthError {
				status = HealthWarning
			}
		}
	}
	return HealthReport{Status: status, Checks: checks, Timestamp: now}
}

func check(breached bool, level CheckStatus, format string, v float64) HealthCheck {
	if !breached {
		return HealthCheck{Status: CheckPass}
	}
	return HealthCheck{Status: level, Message: fmt.Sprintf(format, v)}
}
