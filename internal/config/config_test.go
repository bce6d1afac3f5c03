package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "forum": {"url": "wss://forum.example.com/socket", "cookie": "sid=secret", "log_topic_id": 7},
  "logging": {"level": "debug", "console": true, "forum": {"enabled": true, "min_level": "warn", "rate_per_sec": 1}},
  "runtime": {"tick_every": "20ms", "action_interval": "500ms", "retry_delay": "2s"},
  "storage": {"driver": "sqlite", "path": "./bot.db"},
  "modules": {"echo": {"enabled": true, "config": {"prefix": "!echo"}}}
}`

const sampleYAML = `
forum:
  url: ws://localhost:4567/socket
logging:
  level: info
modules:
  heartbeat:
    enabled: true
    config:
      tasks:
        - name: alerts
          every: 30s
          methods:
            - method: notifications.get
`

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Forum.LogTopicID != 7 || !cfg.Modules["echo"].Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	rt, err := cfg.Runtime.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if rt.TickEvery != 20*time.Millisecond || rt.ActionInterval != 500*time.Millisecond || rt.RetryDelay != 2*time.Second {
		t.Fatalf("runtime = %+v", rt)
	}
	if rt.StopTimeout != DefaultStopTimeout {
		t.Fatalf("stop timeout default = %v", rt.StopTimeout)
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var hb struct {
		Tasks []struct {
			Name  string `json:"name"`
			Every string `json:"every"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(cfg.Modules["heartbeat"].Config, &hb); err != nil {
		t.Fatal(err)
	}
	if len(hb.Tasks) != 1 || hb.Tasks[0].Every != "30s" {
		t.Fatalf("heartbeat config = %+v", hb)
	}
	rt, _ := cfg.Runtime.Resolve()
	if rt.TickEvery != DefaultTickEvery {
		t.Fatalf("tick default = %v", rt.TickEvery)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown top-level": `{"forum":{"url":"ws://x"},"bogus":1}`,
		"unknown module key": `{"forum":{"url":"ws://x"},"modules":{"echo":{"enabled":true,"timeout":"1s"}}}`,
		"trailing data":      `{"forum":{"url":"ws://x"}} {}`,
	}
	for name, raw := range tests {
		if _, err := Decode("c.json", []byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing url", Config{}, "forum.url"},
		{"http url", Config{Forum: ForumConfig{URL: "https://x"}}, "scheme"},
		{"bad level", Config{Forum: ForumConfig{URL: "ws://x"}, Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"bad duration", Config{Forum: ForumConfig{URL: "ws://x"}, Runtime: RuntimeConfig{TickEvery: "soon"}}, "runtime.tick_every"},
		{"negative duration", Config{Forum: ForumConfig{URL: "ws://x"}, Runtime: RuntimeConfig{RetryDelay: "-1s"}}, "runtime.retry_delay"},
		{"forum log without topic", Config{Forum: ForumConfig{URL: "ws://x"}, Logging: LoggingConfig{Forum: LoggingForum{Enabled: true}}}, "log_topic_id"},
		{"sqlite without path", Config{Forum: ForumConfig{URL: "ws://x"}, Storage: &StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"unknown driver", Config{Forum: ForumConfig{URL: "ws://x"}, Storage: &StorageConfig{Driver: "redis"}}, "storage.driver"},
		{"bad timezone", Config{Forum: ForumConfig{URL: "ws://x"}, Runtime: RuntimeConfig{Timezone: "Mars/Olympus"}}, "runtime.timezone"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg, _ := Decode("c.json", []byte(sampleJSON))
	newCfg, _ := Decode("c.json", []byte(sampleJSON))
	newCfg.Forum.Cookie = "sid=rotated"
	newCfg.Modules["echo"] = ModuleConfigRaw{Enabled: true, Config: json.RawMessage(`{ "prefix" : "!echo" }`)}
	newCfg.Modules["heartbeat"] = ModuleConfigRaw{Enabled: true}

	changed, attrs, modules := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "forum,modules" {
		t.Fatalf("changed = %v", changed)
	}
	if len(modules) != 1 || modules[0] != "heartbeat" {
		t.Fatalf("modules = %v (whitespace-only edits must not count)", modules)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attributes")
	}
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(sampleJSON), 0o600); err != nil {
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

	updated := strings.Replace(sampleJSON, `"level": "debug"`, `"level": "warn"`, 1)
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher is up and catches a change.
		if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "warn" || m.Get().Logging.Level != "warn" {
				t.Fatalf("reloaded level = %q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
