package app

import (
	"fmt"
	"strings"
	"time"

	"errorbot/internal/config"
	"errorbot/internal/forum"
	"errorbot/internal/storage"
	logx "errorbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forum: logx.ForumConfig{
			Enabled:    cfg.Logging.Forum.Enabled,
			MinLevel:   cfg.Logging.Forum.MinLevel,
			RatePerSec: cfg.Logging.Forum.RatePerSec,
		},
	}
}

func mapForumConfig(cfg *config.Config) (forum.Config, error) {
	fc := cfg.Forum
	connect, err := config.ParseDurationOrDefault("forum.connect_timeout", fc.ConnectTimeout, config.DefaultCallTimeout)
	if err != nil {
		return forum.Config{}, err
	}
	call, err := config.ParseDurationOrDefault("forum.call_timeout", fc.CallTimeout, config.DefaultCallTimeout)
	if err != nil {
		return forum.Config{}, err
	}
	return forum.Config{
		URL:            strings.TrimSpace(fc.URL),
		UserAgent:      fc.UserAgent,
		Cookie:         fc.Cookie,
		Headers:        fc.Headers,
		ConnectTimeout: connect,
		CallTimeout:    call,
		LogTopicID:     fc.LogTopicID,
	}, nil
}
