package config

type Config struct {
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// Scheduler controls the schedule registry (cron timers + one-shot scan).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs executions.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Execution   ExecutionConfig   `json:"execution"`
	Completion  CompletionConfig  `json:"completion"`
	Monitor     MonitorConfig     `json:"monitor"`
	Performance PerformanceConfig `json:"performance"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	HTTP        HTTPConfig        `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./agentorch.db" }
//
// If the section is omitted the in-memory driver is used.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the schedule registry.
//
// Enabled is a pointer so an omitted key defaults to true.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Timezone used to evaluate cron expressions. Empty means Local.
	Timezone string `json:"timezone,omitempty"`

	// ScanInterval is the one-shot scheduledFor scan period (default "1m").
	ScanInterval string `json:"scan_interval,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// TaskEngineConfig controls the execution worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "0s" (disabled; execution.timeout still applies)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// ExecutionConfig bounds a unit of work.
//
// Temperature is a pointer so an explicit 0 is honored.
type ExecutionConfig struct {
	Timeout     string   `json:"timeout,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// CompletionConfig selects the text-completion provider.
//
// provider: "openai" (any OpenAI-compatible endpoint) or "ollama".
// api_key is never logged.
type CompletionConfig struct {
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

type MonitorConfig struct {
	SystemInterval      string `json:"system_interval,omitempty"`
	ApplicationInterval string `json:"application_interval,omitempty"`
	AlertInterval       string `json:"alert_interval,omitempty"`
	BufferSize          int    `json:"buffer_size,omitempty"`

	// SystemSource is "host" (procfs/statfs) or "simulated".
	SystemSource string `json:"system_source,omitempty"`
	DiskPath     string `json:"disk_path,omitempty"`

	Thresholds ThresholdsConfig `json:"thresholds"`
}

// ThresholdsConfig holds alert thresholds. Zero means the built-in default.
type ThresholdsConfig struct {
	CPU            float64 `json:"cpu,omitempty"`
	Memory         float64 `json:"memory,omitempty"`
	Disk           float64 `json:"disk,omitempty"`
	ErrorRate      float64 `json:"error_rate,omitempty"`
	ResponseTimeMS float64 `json:"response_time_ms,omitempty"`
	FailedTasks    float64 `json:"failed_tasks,omitempty"`
}

type PerformanceConfig struct {
	CacheTTL           string `json:"cache_ttl,omitempty"`
	RefreshInterval    string `json:"refresh_interval,omitempty"`
	RefreshConcurrency int    `json:"refresh_concurrency,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Events lists the event types forwarded to sinks; empty forwards all
// domain events.
type NotifierConfig struct {
	Enabled         bool     `json:"enabled"`
	Workers         int      `json:"workers"`
	QueueSize       int      `json:"queue_size"`
	RatePerSec      int      `json:"rate_per_sec"`
	RetryMax        int      `json:"retry_max"`
	RetryBase       string   `json:"retry_base"`
	RetryMaxDelay   string   `json:"retry_max_delay"`
	DedupWindow     string   `json:"dedup_window"`
	DedupMaxEntries int      `json:"dedup_max_entries"`
	PersistDedup    bool     `json:"persist_dedup,omitempty"`
	Events          []string `json:"events,omitempty"`

	Telegram TelegramSinkConfig `json:"telegram"`
	Redis    RedisSinkConfig    `json:"redis"`
	Kafka    KafkaSinkConfig    `json:"kafka"`
}

type TelegramSinkConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // do not log
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type RedisSinkConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

type KafkaSinkConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
}

// HTTPConfig controls the ops HTTP surface.
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:8080").
//   - Token, when set, is required as a bearer token on /api routes.
//   - A non-loopback addr without a token is refused unless allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`

	Pprof              bool   `json:"pprof,omitempty"`
	PprofPrefix        string `json:"pprof_prefix,omitempty"`
	PprofMutexFraction int    `json:"pprof_mutex_fraction,omitempty"`
	PprofBlockRate     int    `json:"pprof_block_rate,omitempty"`
}
