// Package metrics exports orchestration counters, gauges and histograms on a
// private Prometheus registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentorch/internal/domain"
	"agentorch/internal/monitor"
)

const namespace = "agentorch"

type Metrics struct {
	registry *prometheus.Registry

	engineTasks    *prometheus.HistogramVec
	engineDropped  *prometheus.CounterVec
	scheduleFired  *prometheus.CounterVec
	scheduledJobs  prometheus.Gauge
	executions     *prometheus.HistogramVec
	alerts         *prometheus.CounterVec
	hostUsage      *prometheus.GaugeVec
	agents         *prometheus.GaugeVec
	tasks          *prometheus.GaugeVec
	execByStatus   *prometheus.GaugeVec
	avgExecutionMS prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		engineTasks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Engine task run time by outcome.",
			Buckets:   []float64{.05, .1, .5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		engineDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "dropped_total",
			Help:      "Engine tasks dropped before running.",
		}, []string{"reason"}),
		scheduleFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fired_total",
			Help:      "Schedule triggers by source (cron timer or due scan).",
		}, []string{"source"}),
		scheduledJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs",
			Help:      "Registered cron jobs.",
		}),
		executions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Execution run time by terminal status.",
			Buckets:   []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"status"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "alerts_total",
			Help:      "Alerts created by severity and category.",
		}, []string{"severity", "category"}),
		hostUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "usage_percent",
			Help:      "Latest host usage sample.",
		}, []string{"resource"}),
		agents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Agents by status in the latest application sample.",
		}, []string{"status"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tasks by status in the latest application sample.",
		}, []string{"status"}),
		execByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions",
			Help:      "Executions by status in the latest application sample.",
		}, []string{"status"}),
		avgExecutionMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "average_duration_milliseconds",
			Help:      "Average completed execution time in the latest application sample.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.engineTasks,
		m.engineDropped,
		m.scheduleFired,
		m.scheduledJobs,
		m.executions,
		m.alerts,
		m.hostUsage,
		m.agents,
		m.tasks,
		m.execByStatus,
		m.avgExecutionMS,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) EngineTask(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.engineTasks.WithLabelValues(outcome).Observe(seconds(d))
}

func (m *Metrics) EngineDropped(reason string) {
	if m == nil {
		return
	}
	m.engineDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ScheduleFired(source string) {
	if m == nil {
		return
	}
	m.scheduleFired.WithLabelValues(source).Inc()
}

func (m *Metrics) ScheduledJobs(n int) {
	if m == nil {
		return
	}
	m.scheduledJobs.Set(float64(n))
}

func (m *Metrics) ExecutionFinished(status domain.ExecutionStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(status)).Observe(seconds(d))
}

func (m *Metrics) AlertCreated(severity, category string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(severity, category).Inc()
}

func (m *Metrics) ObserveSystem(s monitor.SystemSnapshot) {
	if m == nil {
		return
	}
	m.hostUsage.WithLabelValues("cpu").Set(s.CPU.Usage)
	m.hostUsage.WithLabelValues("memory").Set(s.Memory.Usage)
	m.hostUsage.WithLabelValues("disk").Set(s.Disk.Usage)
}

func (m *Metrics) ObserveApplication(s monitor.ApplicationSnapshot) {
	if m == nil {
		return
	}
	m.agents.WithLabelValues("active").Set(float64(s.Agents.Active))
	m.agents.WithLabelValues("idle").Set(float64(s.Agents.Idle))
	m.agents.WithLabelValues("error").Set(float64(s.Agents.Error))

	m.tasks.WithLabelValues("pending").Set(float64(s.Tasks.Pending))
	m.tasks.WithLabelValues("running").Set(float64(s.Tasks.Running))
	m.tasks.WithLabelValues("completed").Set(float64(s.Tasks.Completed))
	m.tasks.WithLabelValues("failed").Set(float64(s.Tasks.Failed))

	m.execByStatus.WithLabelValues("running").Set(float64(s.Executions.Running))
	m.execByStatus.WithLabelValues("completed").Set(float64(s.Executions.Completed))
	m.execByStatus.WithLabelValues("failed").Set(float64(s.Executions.Failed))
	m.avgExecutionMS.Set(s.Executions.AverageDuration)
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
