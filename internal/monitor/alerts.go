package monitor

import (
	"context"
	"fmt"
	"sync"

	"agentorch/internal/clock"
	"agentorch/internal/domain"
	"agentorch/internal/eventbus"
	"agentorch/internal/storage"
	logx "agentorch/pkg/logx"
)

// AlertEngine turns threshold breaches into persisted alerts.
//
// Every breach observed by Evaluate opens a new alert; there is no dedup
// against earlier unresolved alerts of the same kind.
type AlertEngine struct {
	store   storage.AlertStore
	clock   clock.Clock
	bus     eventbus.Bus
	log     logx.Logger
	metrics Metrics

	mu sync.RWMutex
	th Thresholds
}

func NewAlertEngine(store storage.AlertStore, th Thresholds, c clock.Clock, log logx.Logger, bus eventbus.Bus) *AlertEngine {
	if c == nil {
		c = clock.Real()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &AlertEngine{store: store, clock: c, bus: bus, log: log, th: th.WithDefaults()}
}

func (e *AlertEngine) SetMetrics(m Metrics) { e.metrics = m }

func (e *AlertEngine) Thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.th
}

func (e *AlertEngine) UpdateThresholds(th Thresholds) {
	e.mu.Lock()
	e.th = th.WithDefaults()
	e.mu.Unlock()
}

type breach struct {
	severity domain.AlertSeverity
	category domain.AlertCategory
	message  string
	metadata map[string]float64
}

// Evaluate compares the latest snapshots with the thresholds and persists one
// alert per breach. Both snapshots are required; a missing one yields no
// alerts.
func (e *AlertEngine) Evaluate(ctx context.Context, sys *SystemSnapshot, app *ApplicationSnapshot) ([]domain.Alert, error) {
	if sys == nil || app == nil {
		return nil, nil
	}
	th := e.Thresholds()

	var found []breach
	if sys.CPU.Usage > th.CPU {
		found = append(found, breach{domain.SeverityWarning, domain.CategorySystem,
			fmt.Sprintf("High CPU usage: %.1f%%", sys.CPU.Usage), map[string]float64{"cpu": sys.CPU.Usage}})
	}
	if sys.Memory.Usage > th.Memory {
		found = append(found, breach{domain.SeverityWarning, domain.CategorySystem,
			fmt.Sprintf("High memory usage: %.1f%%", sys.Memory.Usage), map[string]float64{"memory": sys.Memory.Usage}})
	}
	if sys.Disk.Usage > th.Disk {
		found = append(found, breach{domain.SeverityError, domain.CategorySystem,
			fmt.Sprintf("High disk usage: %.1f%%", sys.Disk.Usage), map[string]float64{"disk": sys.Disk.Usage}})
	}
	if r := app.Executions.FailureRate(); r > th.ErrorRate {
		found = append(found, breach{domain.SeverityWarning, domain.CategoryApplication,
			fmt.Sprintf("High execution failure rate: %.1f%%", r),
			map[string]float64{"errorRate": r, "failed": float64(app.Executions.Failed), "total": float64(app.Executions.Total)}})
	}
	if avg := app.Executions.AverageDuration; avg > th.ResponseTimeMS {
		found = append(found, breach{domain.SeverityWarning, domain.CategoryApplication,
			fmt.Sprintf("High average execution time: %.0fms", avg), map[string]float64{"averageDuration": avg}})
	}
	if r := app.Tasks.FailureRate(); r > th.FailedTasks {
		found = append(found, breach{domain.SeverityWarning, domain.CategoryApplication,
			fmt.Sprintf("High task failure rate: %.1f%%", r),
			map[string]float64{"errorRate": r, "failed": float64(app.Tasks.Failed), "total": float64(app.Tasks.Total)}})
	}

	out := make([]domain.Alert, 0, len(found))
	for _, b := range found {
		a := domain.Alert{
			Severity:  b.severity,
			Category:  b.category,
			Message:   b.message,
			CreatedAt: e.clock.Now(),
			Metadata:  b.metadata,
		}
		if err := e.store.CreateAlert(ctx, &a); err != nil {
			return out, fmt.Errorf("create alert: %w", err)
		}
		out = append(out, a)
		e.log.Warn("alert created", logx.String("severity", string(a.Severity)), logx.String("message", a.Message))
		e.bus.Publish(eventbus.Event{Type: eventbus.AlertCreated, Time: a.CreatedAt, Data: eventbus.AlertData{
			AlertID: a.ID, Severity: string(a.Severity), Category: string(a.Category), Message: a.Message,
		}})
		if e.metrics != nil {
			e.metrics.AlertCreated(string(a.Severity), string(a.Category))
		}
	}
	return out, nil
}

// ResolveAlert flips an unresolved alert once. It reports false, with no
// error, when the alert is missing or already resolved.
func (e *AlertEngine) ResolveAlert(ctx context.Context, id string) (bool, error) {
	now := e.clock.Now()
	ok, err := e.store.ResolveAlert(ctx, id, now)
	if err != nil || !ok {
		return false, err
	}
	a, err := e.store.GetAlert(ctx, id)
	if err != nil {
		a = domain.Alert{ID: id}
	}
	e.log.Info("alert resolved", logx.String("alert", id), logx.String("message", a.Message))
	e.bus.Publish(eventbus.Event{Type: eventbus.AlertResolved, Time: now, Data: eventbus.AlertData{
		AlertID: id, Severity: string(a.Severity), Category: string(a.Category), Message: a.Message,
	}})
	return true, nil
}

// Alerts lists the newest alerts; limit <= 0 means 100.
func (e *AlertEngine) Alerts(ctx context.Context, limit int, unresolvedOnly bool) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.store.ListAlerts(ctx, storage.AlertFilter{Limit: limit, UnresolvedOnly: unresolvedOnly})
}
