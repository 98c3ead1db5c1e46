package app

import (
	"fmt"
	"strings"
	"time"

	"agentorch/internal/completion"
	"agentorch/internal/config"
	"agentorch/internal/execution"
	"agentorch/internal/monitor"
	"agentorch/internal/notifier"
	"agentorch/internal/observability/pprof"
	"agentorch/internal/opsapi"
	"agentorch/internal/performance"
	"agentorch/internal/storage"
	"agentorch/internal/task/engine"
	"agentorch/internal/task/scheduler"
	logx "agentorch/pkg/logx"
)

// The map* helpers turn the file config into component configs. Durations
// were already checked by config.Validate; they are parsed again here so a
// mapping error still names the offending key.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 4, QueueSize: 256, HistorySize: 200}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	d, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	scan, err := config.ParseDurationOrDefault("scheduler.scan_interval", cfg.Scheduler.ScanInterval, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone), ScanInterval: scan}, nil
}

func mapExecutionConfig(cfg *config.Config, loc *time.Location) (execution.Config, error) {
	timeout, err := config.ParseDurationField("execution.timeout", cfg.Execution.Timeout)
	if err != nil {
		return execution.Config{}, err
	}
	out := execution.Config{Timeout: timeout, MaxTokens: cfg.Execution.MaxTokens, Location: loc, Temperature: 0.7}
	if t := cfg.Execution.Temperature; t != nil {
		out.Temperature = *t
	}
	return out, nil
}

func mapCompletionConfig(cfg *config.Config) completion.Config {
	c := cfg.Completion
	return completion.Config{Provider: c.Provider, BaseURL: c.BaseURL, APIKey: c.APIKey, Model: c.Model}
}

func mapThresholds(th config.ThresholdsConfig) monitor.Thresholds {
	return monitor.Thresholds{
		CPU:            th.CPU,
		Memory:         th.Memory,
		Disk:           th.Disk,
		ErrorRate:      th.ErrorRate,
		ResponseTimeMS: th.ResponseTimeMS,
		FailedTasks:    th.FailedTasks,
	}.WithDefaults()
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	m := cfg.Monitor
	sys, err := config.ParseDurationField("monitor.system_interval", m.SystemInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	app, err := config.ParseDurationField("monitor.application_interval", m.ApplicationInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	alert, err := config.ParseDurationField("monitor.alert_interval", m.AlertInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		SystemInterval:      sys,
		ApplicationInterval: app,
		AlertInterval:       alert,
		BufferSize:          m.BufferSize,
		Thresholds:          mapThresholds(m.Thresholds),
	}, nil
}

func mapPerformanceConfig(cfg *config.Config) (performance.Config, error) {
	p := cfg.Performance
	ttl, err := config.ParseDurationField("performance.cache_ttl", p.CacheTTL)
	if err != nil {
		return performance.Config{}, err
	}
	every, err := config.ParseDurationField("performance.refresh_interval", p.RefreshInterval)
	if err != nil {
		return performance.Config{}, err
	}
	return performance.Config{CacheTTL: ttl, RefreshInterval: every, RefreshConcurrency: p.RefreshConcurrency}, nil
}

// mapNotifierConfig returns a disabled config when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMax,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
		Events:          append([]string(nil), n.Events...),
	}, nil
}

// buildSinks constructs the enabled sinks. Sinks are fixed for the life of
// the process; a reload only changes the pipeline config.
func buildSinks(cfg *config.Config) ([]notifier.Sink, error) {
	n := cfg.Notifier
	if n == nil {
		return nil, nil
	}
	var sinks []notifier.Sink
	if n.Telegram.Enabled {
		s, err := notifier.NewTelegramSink(notifier.TelegramConfig{Token: n.Telegram.Token, ChatID: n.Telegram.ChatID, ThreadID: n.Telegram.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		sinks = append(sinks, s)
	}
	if n.Redis.Enabled {
		s, err := notifier.NewRedisSink(notifier.RedisConfig{Addr: n.Redis.Addr, Password: n.Redis.Password, DB: n.Redis.DB, Channel: n.Redis.Channel})
		if err != nil {
			return nil, fmt.Errorf("notifier.redis: %w", err)
		}
		sinks = append(sinks, s)
	}
	if n.Kafka.Enabled {
		s, err := notifier.NewKafkaSink(notifier.KafkaConfig{Brokers: n.Kafka.Brokers, Topic: n.Kafka.Topic})
		if err != nil {
			return nil, fmt.Errorf("notifier.kafka: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func mapServerConfig(cfg *config.Config) (opsapi.ServerConfig, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return opsapi.ServerConfig{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return opsapi.ServerConfig{}, err
	}
	return opsapi.ServerConfig{
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Prefix:               cfg.HTTP.PprofPrefix,
		MutexProfileFraction: cfg.HTTP.PprofMutexFraction,
		BlockProfileRate:     cfg.HTTP.PprofBlockRate,
	}
}
