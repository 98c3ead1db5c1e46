package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentorch/internal/domain"
	"agentorch/internal/monitor"
)

func family(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	fams, err := m.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range fams {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func labelled(f *dto.MetricFamily, name, value string) *dto.Metric {
	for _, m := range f.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == name && l.GetValue() == value {
				return m
			}
		}
	}
	return nil
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.EngineTask("ok", time.Second)
	m.EngineDropped("stale")
	m.ScheduleFired("cron")
	m.ScheduledJobs(3)
	m.ExecutionFinished(domain.ExecutionCompleted, time.Second)
	m.AlertCreated("ERROR", "SYSTEM")
	m.ObserveSystem(monitor.SystemSnapshot{})
	m.ObserveApplication(monitor.ApplicationSnapshot{})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordsAndServes(t *testing.T) {
	m := New()
	m.ScheduleFired("cron")
	m.ScheduleFired("cron")
	m.ScheduleFired("scan")
	m.ScheduledJobs(4)
	m.ExecutionFinished(domain.ExecutionFailed, 2*time.Second)
	m.AlertCreated("WARNING", "SYSTEM")
	m.ObserveSystem(monitor.SystemSnapshot{CPU: monitor.CPUStats{Usage: 42}})
	m.ObserveApplication(monitor.ApplicationSnapshot{Tasks: monitor.TaskCounts{Pending: 7}})

	fired := family(t, m, "agentorch_scheduler_fired_total")
	assert.Equal(t, 2.0, labelled(fired, "source", "cron").GetCounter().GetValue())
	assert.Equal(t, 1.0, labelled(fired, "source", "scan").GetCounter().GetValue())

	jobs := family(t, m, "agentorch_scheduler_jobs")
	assert.Equal(t, 4.0, jobs.GetMetric()[0].GetGauge().GetValue())

	exec := family(t, m, "agentorch_execution_duration_seconds")
	h := labelled(exec, "status", "FAILED").GetHistogram()
	assert.Equal(t, uint64(1), h.GetSampleCount())
	assert.Equal(t, 2.0, h.GetSampleSum())

	host := family(t, m, "agentorch_host_usage_percent")
	assert.Equal(t, 42.0, labelled(host, "resource", "cpu").GetGauge().GetValue())

	tasks := family(t, m, "agentorch_tasks")
	assert.Equal(t, 7.0, labelled(tasks, "status", "pending").GetGauge().GetValue())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `agentorch_monitor_alerts_total{category="SYSTEM",severity="WARNING"} 1`)
}
