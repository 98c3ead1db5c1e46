package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks the config for values that would fail later at wiring
// time: malformed durations, unknown enum values, missing sink targets.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "memory":
		case "sqlite":
			if strings.TrimSpace(cfg.Storage.Path) == "" {
				errs = append(errs, errors.New("storage.path: required for sqlite driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
		}
		dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.scan_interval", cfg.Scheduler.ScanInterval)

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine: sizes must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
	}

	dur("execution.timeout", cfg.Execution.Timeout)
	if cfg.Execution.MaxTokens < 0 {
		errs = append(errs, errors.New("execution.max_tokens: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Completion.Provider)) {
	case "", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("completion.provider: unsupported %q", cfg.Completion.Provider))
	}

	dur("monitor.system_interval", cfg.Monitor.SystemInterval)
	dur("monitor.application_interval", cfg.Monitor.ApplicationInterval)
	dur("monitor.alert_interval", cfg.Monitor.AlertInterval)
	switch strings.ToLower(strings.TrimSpace(cfg.Monitor.SystemSource)) {
	case "", "host", "simulated":
	default:
		errs = append(errs, fmt.Errorf("monitor.system_source: unsupported %q", cfg.Monitor.SystemSource))
	}
	if cfg.Monitor.BufferSize < 0 {
		errs = append(errs, errors.New("monitor.buffer_size: must be >= 0"))
	}
	th := cfg.Monitor.Thresholds
	for name, v := range map[string]float64{
		"cpu": th.CPU, "memory": th.Memory, "disk": th.Disk,
		"error_rate": th.ErrorRate, "response_time_ms": th.ResponseTimeMS, "failed_tasks": th.FailedTasks,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("monitor.thresholds.%s: must be >= 0", name))
		}
	}

	dur("performance.cache_ttl", cfg.Performance.CacheTTL)
	dur("performance.refresh_interval", cfg.Performance.RefreshInterval)

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.Telegram.Enabled && (strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0) {
			errs = append(errs, errors.New("notifier.telegram: token and chat_id are required when enabled"))
		}
		if n.Redis.Enabled && strings.TrimSpace(n.Redis.Addr) == "" {
			errs = append(errs, errors.New("notifier.redis.addr: required when enabled"))
		}
		if n.Kafka.Enabled && (len(n.Kafka.Brokers) == 0 || strings.TrimSpace(n.Kafka.Topic) == "") {
			errs = append(errs, errors.New("notifier.kafka: brokers and topic are required when enabled"))
		}
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)

	return errors.Join(errs...)
}
