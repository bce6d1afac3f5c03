package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"errorbot/internal/config"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		st      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{name: "absent"},
		{name: "none", st: &config.StorageConfig{Driver: "none"}},
		{name: "memory", st: &config.StorageConfig{Driver: "Memory"}, enabled: true},
		{name: "sqlite", st: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "2s"}, enabled: true},
		{name: "sqlite no path", st: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "bad busy", st: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown", st: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.st})
		if (err != nil) != tt.wantErr || enabled != tt.enabled {
			t.Fatalf("%s: enabled=%v err=%v", tt.name, enabled, err)
		}
		if tt.name == "sqlite" && (sc.BusyTimeout != 2*time.Second || sc.Path != "x.db") {
			t.Fatalf("sqlite mapped to %+v", sc)
		}
	}
}

func TestMapForumConfigDefaults(t *testing.T) {
	t.Parallel()
	fc, err := mapForumConfig(&config.Config{Forum: config.ForumConfig{URL: " wss://f.example/socket ", CallTimeout: "3s", LogTopicID: 7}})
	if err != nil {
		t.Fatal(err)
	}
	if fc.URL != "wss://f.example/socket" || fc.CallTimeout != 3*time.Second || fc.ConnectTimeout != config.DefaultCallTimeout || fc.LogTopicID != 7 {
		t.Fatalf("forum config = %+v", fc)
	}
	if _, err := mapForumConfig(&config.Config{Forum: config.ForumConfig{ConnectTimeout: "-"}}); err == nil {
		t.Fatal("bad connect timeout accepted")
	}
}

func TestMapLogConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Logging: config.LoggingConfig{
		Level: "debug",
		File:  config.LoggingFile{Enabled: true, Path: "bot.log"},
		Forum: config.LoggingForum{Enabled: true, MinLevel: "error", RatePerSec: 2},
	}}
	lc := mapLogConfig(cfg)
	if lc.Level != "debug" || !lc.File.Enabled || lc.File.Path != "bot.log" || lc.Forum.MinLevel != "error" || lc.Forum.RatePerSec != 2 {
		t.Fatalf("log config = %+v", lc)
	}
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
forum:
  url: ws://127.0.0.1:1/socket
  connect_timeout: 100ms
logging:
  level: error
runtime:
  tick_every: 5ms
  stop_timeout: 1s
storage:
  driver: memory
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Done():
		t.Fatalf("app stopped early: %v", a.Err())
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestNewRejectsUnknownStorage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"forum":{"url":"ws://127.0.0.1:1/socket"},"storage":{"driver":"redis"}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected error")
	}
}
