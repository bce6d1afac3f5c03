package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks a parsed config without side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if raw := strings.TrimSpace(cfg.Forum.URL); raw == "" {
		errs = append(errs, errors.New("forum.url: required"))
	} else if u, err := url.Parse(raw); err != nil {
		errs = append(errs, fmt.Errorf("forum.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("forum.url: scheme must be ws or wss, got %q", u.Scheme))
	}
	if _, err := ParseDurationField("forum.connect_timeout", cfg.Forum.ConnectTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("forum.call_timeout", cfg.Forum.CallTimeout); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}
	if cfg.Logging.Forum.Enabled && cfg.Forum.LogTopicID <= 0 {
		errs = append(errs, errors.New("forum.log_topic_id: required when logging.forum is enabled"))
	}
	if cfg.Logging.Forum.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.forum.rate_per_sec: must be >= 0"))
	}

	if _, err := cfg.Runtime.Resolve(); err != nil {
		errs = append(errs, err)
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "memory":
		case "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, errors.New("storage.path: required for sqlite"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	for name := range cfg.Modules {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("modules: empty module name"))
		}
	}
	return errors.Join(errs...)
}
