package watchdog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"errorbot/internal/config"
	"errorbot/internal/host"
	logx "errorbot/pkg/logx"
)

type fakeSystemd struct {
	mu       sync.Mutex
	states   []string
	interval time.Duration
}

func (f *fakeSystemd) notify(_ bool, state string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return true, nil
}

func (f *fakeSystemd) enabled(bool) (time.Duration, error) { return f.interval, nil }

func (f *fakeSystemd) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.states...)
}

func run(t *testing.T, fs *fakeSystemd, raw string) (*Module, *host.Host) {
	t.Helper()
	m := New()
	m.notify, m.enabled = fs.notify, fs.enabled
	h := host.New(host.Deps{Log: logx.Nop()})
	h.Register(m)
	err := h.Start(context.Background(), host.Settings{
		Runtime: config.Runtime{TickEvery: 2 * time.Millisecond, Location: time.UTC},
		Modules: map[string]config.ModuleConfigRaw{Name: {Enabled: true, Config: json.RawMessage(raw)}},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return m, h
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	fs := &fakeSystemd{interval: 40 * time.Millisecond}
	m, h := run(t, fs, `{"status":"serving"}`)

	deadline := time.Now().Add(3 * time.Second)
	for m.Pings() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("pings = %d", m.Pings())
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = h.Stop(context.Background())

	states := fs.got()
	if states[0] != daemon.SdNotifyReady {
		t.Fatalf("first state = %q", states[0])
	}
	if !strings.HasPrefix(states[1], daemon.SdNotifyWatchdog) || !strings.Contains(states[1], "STATUS=serving") {
		t.Fatalf("ping state = %q", states[1])
	}
	if last := states[len(states)-1]; last != daemon.SdNotifyStopping {
		t.Fatalf("last state = %q", last)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	fs := &fakeSystemd{}
	m, h := run(t, fs, `{"ready":false}`)
	time.Sleep(20 * time.Millisecond)
	_ = h.Stop(context.Background())

	if m.Pings() != 0 {
		t.Fatalf("pings = %d", m.Pings())
	}
	if got := fs.got(); len(got) != 1 || got[0] != daemon.SdNotifyStopping {
		t.Fatalf("states = %q", got)
	}
}
