package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./agentorch.db
scheduler:
  timezone: UTC
execution:
  timeout: 30s
  temperature: 0
completion:
  provider: ollama
  base_url: http://127.0.0.1:11434
  model: llama3
monitor:
  thresholds:
    cpu: 75
notifier:
  enabled: true
  events: [execution.status, alert.created]
  redis:
    enabled: true
    addr: 127.0.0.1:6379
    channel: agentorch.events
http:
  enabled: true
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("agentorch.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v, want sqlite", cfg.Storage)
	}
	if cfg.Execution.Temperature == nil || *cfg.Execution.Temperature != 0 {
		t.Fatalf("temperature = %v, want explicit 0", cfg.Execution.Temperature)
	}
	if got := cfg.Monitor.Thresholds.CPU; got != 75 {
		t.Fatalf("cpu threshold = %v, want 75", got)
	}
	if !cfg.Scheduler.IsEnabled() {
		t.Fatalf("scheduler should default to enabled")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown key": `{"logging":{"level":"info","colour":true}}`,
		"trailing":    `{"logging":{}} {"logging":{}}`,
	}
	for name, in := range cases {
		if _, err := Decode("c.json", []byte(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Storage:    &StorageConfig{Driver: "sqlite"},
		Scheduler:  SchedulerConfig{Timezone: "Mars/Olympus", ScanInterval: "soon"},
		Completion: CompletionConfig{Provider: "gemini"},
		Notifier:   &NotifierConfig{Kafka: KafkaSinkConfig{Enabled: true}},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"storage.path", "scheduler.timezone", "scheduler.scan_interval", "completion.provider", "notifier.kafka"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Completion: CompletionConfig{Provider: "openai", APIKey: "sk-old"}}
	newCfg := &Config{
		Completion: CompletionConfig{Provider: "openai", APIKey: "sk-new"},
		Monitor:    MonitorConfig{Thresholds: ThresholdsConfig{CPU: 90}},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "completion,monitor" {
		t.Fatalf("sections = %v, want [completion monitor]", sections)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if HotReloadable("completion") || !HotReloadable("monitor") {
		t.Fatalf("unexpected hot-reload classification")
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("negative duration should fail")
	}
}

func TestWatchPublishesChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentorch.json")
	if err := os.WriteFile(path, []byte(`{"logging":{"level":"info"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Each write restarts the reload debounce, so rewrites must be spaced
	// well beyond it for one reload to fire.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(4 * reloadDebounce)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level = %q, want debug", cfg.Logging.Level)
			}
			return
		case <-tick.C:
			// rewrite until the watcher is up
			_ = os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o644)
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}
