package config

import (
	"reflect"
	"sort"
	"strings"

	logx "agentorch/pkg/logx"
)

// hotSections can be applied to a running process. Everything else needs a
// restart.
var hotSections = map[string]bool{
	"logging":     true,
	"monitor":     true,
	"notifier":    true,
	"performance": true,
}

// HotReloadable reports whether a changed section is applied without restart.
func HotReloadable(section string) bool { return hotSections[section] }

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens, keys, passwords) are only
// reported as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	var oTE, nTE TaskEngineConfig
	if oldCfg.TaskEngine != nil {
		oTE = *oldCfg.TaskEngine
	}
	if newCfg.TaskEngine != nil {
		nTE = *newCfg.TaskEngine
	}
	if oTE != nTE {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Execution, newCfg.Execution) {
		changed = append(changed, "execution")
		attrs = append(attrs,
			logx.String("execution.timeout", strings.TrimSpace(newCfg.Execution.Timeout)),
			logx.Int("execution.max_tokens", newCfg.Execution.MaxTokens),
		)
	}

	if oldCfg.Completion != newCfg.Completion {
		changed = append(changed, "completion")
		attrs = append(attrs,
			logx.String("completion.provider", newCfg.Completion.Provider),
			logx.String("completion.model", newCfg.Completion.Model),
			logx.Bool("completion.api_key_set", strings.TrimSpace(newCfg.Completion.APIKey) != ""),
		)
	}

	if oldCfg.Monitor != newCfg.Monitor {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.thresholds_changed", oldCfg.Monitor.Thresholds != newCfg.Monitor.Thresholds),
			logx.String("monitor.system_source", newCfg.Monitor.SystemSource),
		)
	}

	if oldCfg.Performance != newCfg.Performance {
		changed = append(changed, "performance")
		attrs = append(attrs, logx.String("performance.cache_ttl", newCfg.Performance.CacheTTL))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
				logx.Int("notifier.events", len(n.Events)),
				logx.Bool("notifier.telegram", n.Telegram.Enabled),
				logx.Bool("notifier.redis", n.Redis.Enabled),
				logx.Bool("notifier.kafka", n.Kafka.Enabled),
			)
		}
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
