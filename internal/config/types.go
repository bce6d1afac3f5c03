package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "10ms", "5s", "1m").
type Config struct {
	Forum   ForumConfig   `json:"forum"`
	Logging LoggingConfig `json:"logging"`
	Runtime RuntimeConfig `json:"runtime"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Status  StatusConfig  `json:"status"`

	// Modules maps module names to their settings. Only listed, enabled
	// modules are started.
	Modules map[string]ModuleConfigRaw `json:"modules"`
}

// ForumConfig controls the websocket link to the forum.
//
// Example:
//
//	"forum": { "url": "wss://forum.example.com/socket", "cookie": "sid=...", "log_topic_id": 42 }
type ForumConfig struct {
	URL       string            `json:"url"`
	UserAgent string            `json:"user_agent,omitempty"`
	Cookie    string            `json:"cookie,omitempty"` // session cookie (never logged)
	Headers   map[string]string `json:"headers,omitempty"`

	// ConnectTimeout bounds the websocket handshake. Default 10s.
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	// CallTimeout bounds every emitted call. Default 10s.
	CallTimeout string `json:"call_timeout,omitempty"`

	// LogTopicID receives warn+ log lines when logging.forum is enabled.
	LogTopicID int64 `json:"log_topic_id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Forum   LoggingForum `json:"forum"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingForum struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RuntimeConfig controls the per-module drive loop.
//
// Defaults (when fields are omitted/zero):
//   - tick_every: "10ms"
//   - action_interval: "0s" (no spacing between actions)
//   - action_timeout: "0s" (disabled)
//   - retry_delay: "0s" (retry immediately)
//   - stop_timeout: "10s"
type RuntimeConfig struct {
	TickEvery      string `json:"tick_every,omitempty"`
	ActionInterval string `json:"action_interval,omitempty"`
	ActionTimeout  string `json:"action_timeout,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	StopTimeout    string `json:"stop_timeout,omitempty"`
	// Timezone for cron schedules (IANA name). Default: local time.
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./errorbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// StatusConfig controls the optional HTTP status endpoint.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	// Pprof mounts /debug/pprof/ on the status endpoint.
	Pprof bool `json:"pprof,omitempty"`
}

type ModuleConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON rejects unknown keys so typos surface on reload.
func (p *ModuleConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ModuleConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}
