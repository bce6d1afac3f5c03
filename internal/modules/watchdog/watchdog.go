// Package watchdog reports readiness to systemd and keeps its watchdog fed.
// Outside systemd every call is a no-op.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"errorbot/internal/host"
	"errorbot/internal/task/schedule"
	logx "errorbot/pkg/logx"
)

const Name = "watchdog"

type Config struct {
	// Ready sends READY=1 on start. Defaults to true.
	Ready *bool `json:"ready"`
	// Status is an optional STATUS= line sent with every ping.
	Status string `json:"status"`
}

type Module struct {
	notify  func(unsetEnvironment bool, state string) (bool, error)
	enabled func(unsetEnvironment bool) (time.Duration, error)

	log    logx.Logger
	status string
	pings  atomic.Uint64
}

func New() *Module {
	return &Module{notify: daemon.SdNotify, enabled: daemon.SdWatchdogEnabled}
}

func (m *Module) Name() string { return Name }

func (m *Module) ValidateConfig(raw json.RawMessage) error {
	_, err := host.DecodeConfig[Config](raw)
	return err
}

func (m *Module) Start(ctx context.Context, k *host.Kit) error {
	cfg, err := host.DecodeConfig[Config](k.Config)
	if err != nil {
		return err
	}
	m.log = k.Log
	m.status = strings.TrimSpace(cfg.Status)

	if cfg.Ready == nil || *cfg.Ready {
		sent, err := m.notify(false, daemon.SdNotifyReady)
		if err != nil {
			k.Log.Warn("sd_notify ready failed", logx.Any("err", err))
		} else if !sent {
			k.Log.Debug("not running under systemd notify")
		}
	}

	interval, err := m.enabled(false)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if interval <= 0 {
		k.Log.Debug("systemd watchdog disabled")
		return nil
	}
	every := interval / 2
	_, err = k.Scheduler.Add(schedule.Func(m.ping), schedule.Options{Name: "watchdog.ping", Interval: every})
	if err == nil {
		k.Log.Info("systemd watchdog enabled", logx.Duration("interval", interval), logx.Duration("ping_every", every))
	}
	return err
}

func (m *Module) ping(context.Context) error {
	state := daemon.SdNotifyWatchdog
	if m.status != "" {
		state += "\nSTATUS=" + m.status
	}
	if _, err := m.notify(false, state); err != nil {
		return fmt.Errorf("watchdog ping: %w", err)
	}
	m.pings.Add(1)
	return nil
}

func (m *Module) Stop(context.Context) error {
	if _, err := m.notify(false, daemon.SdNotifyStopping); err != nil && !m.log.IsZero() {
		m.log.Debug("sd_notify stopping failed", logx.Any("err", err))
	}
	return nil
}

// Pings returns the number of watchdog pings sent.
func (m *Module) Pings() uint64 { return m.pings.Load() }
