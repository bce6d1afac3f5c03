// Package host owns the registered modules. Every enabled module gets its own
// kit and one supervised loop that ticks the kit's scheduler and action
// runner at the configured cadence.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"errorbot/internal/clock"
	"errorbot/internal/config"
	"errorbot/internal/eventbus"
	"errorbot/internal/forum"
	"errorbot/internal/runtime/supervisor"
	"errorbot/internal/storage"
	"errorbot/internal/task/action"
	"errorbot/internal/task/schedule"
	"errorbot/internal/task/serial"
	logx "errorbot/pkg/logx"
)

// SerialHooker lets a module observe its serial queue.
type SerialHooker interface {
	SerialHooks() serial.Hooks[json.RawMessage]
}

type Deps struct {
	Log   logx.Logger
	Clock clock.Clock
	Bus   eventbus.Bus
	Forum forum.Client
	Store storage.Store
}

// Settings is the part of the config the host consumes.
type Settings struct {
	Runtime config.Runtime
	Modules map[string]config.ModuleConfigRaw
}

type instance struct {
	mod     Module
	kit     *Kit
	sup     *supervisor.Supervisor
	started time.Time
}

type Host struct {
	mu   sync.Mutex
	deps Deps
	log  logx.Logger

	reg     map[string]Module
	set     Settings
	run     map[string]*instance
	failed  map[string]string
	baseCtx context.Context
}

func New(deps Deps) *Host {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	deps.Clock = clock.OrSystem(deps.Clock)
	return &Host{
		deps:    deps,
		log:     deps.Log.With(logx.String("comp", "host")),
		reg:     map[string]Module{},
		run:     map[string]*instance{},
		failed:  map[string]string{},
		baseCtx: context.Background(),
	}
}

// Register adds modules. A later module with the same name replaces the
// earlier one.
func (h *Host) Register(mods ...Module) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range mods {
		if m == nil {
			continue
		}
		h.reg[m.Name()] = m
	}
}

func (h *Host) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.reg))
	for name := range h.reg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateConfig checks that every enabled module is registered and that its
// config is accepted.
func (h *Host) ValidateConfig(mods map[string]config.ModuleConfigRaw) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for name, raw := range mods {
		if !raw.Enabled {
			continue
		}
		m, ok := h.reg[name]
		if !ok {
			errs = append(errs, fmt.Errorf("modules.%s: unknown module", name))
			continue
		}
		if v, ok := m.(ConfigValidator); ok {
			if err := v.ValidateConfig(raw.Config); err != nil {
				errs = append(errs, fmt.Errorf("modules.%s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Start starts every enabled module. A module that fails to start is logged,
// reported by Snapshot and left stopped; the others still run. The returned
// error is non-nil only when ctx has already ended.
func (h *Host) Start(ctx context.Context, set Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	h.baseCtx = ctx
	h.set = set
	h.mu.Unlock()

	failed := 0
	for _, name := range h.Names() {
		raw, ok := set.Modules[name]
		if !ok || !raw.Enabled {
			h.log.Debug("module disabled", logx.String("module", name))
			continue
		}
		if err := h.startOne(name, raw); err != nil {
			failed++
		}
	}
	for name, raw := range set.Modules {
		h.mu.Lock()
		_, known := h.reg[name]
		h.mu.Unlock()
		if raw.Enabled && !known {
			h.log.Warn("configured module is not registered", logx.String("module", name))
		}
	}
	if failed > 0 {
		h.log.Warn("some modules failed to start", logx.Int("failed", failed))
	}
	return nil
}

func (h *Host) startOne(name string, raw config.ModuleConfigRaw) error {
	h.mu.Lock()
	m := h.reg[name]
	_, running := h.run[name]
	base := h.baseCtx
	set := h.set
	h.mu.Unlock()
	if m == nil || running {
		return nil
	}

	log := h.deps.Log.With(logx.String("module", name))
	sup := supervisor.New(base, supervisor.WithLogger(log), supervisor.WithCancelOnError(false))
	k := h.newKit(name, m, raw.Config, set.Runtime, log)
	k.sup = sup

	start := time.Now()
	if err := safeCall(log, "module.start", func() error { return m.Start(sup.Context(), k) }); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = sup.Stop(stopCtx)
		cancel()
		k.Serial.Close()

		h.mu.Lock()
		h.failed[name] = err.Error()
		h.mu.Unlock()
		log.Error("module start failed", logx.Any("err", err))
		return fmt.Errorf("module %s: %w", name, err)
	}

	tick := set.Runtime.TickEvery
	if tick <= 0 {
		tick = config.DefaultTickEvery
	}
	sup.GoRestart("loop", func(ctx context.Context) error { return drive(ctx, k, tick) }, supervisor.RestartPolicy{})

	h.mu.Lock()
	delete(h.failed, name)
	h.run[name] = &instance{mod: m, kit: k, sup: sup, started: start}
	h.mu.Unlock()
	log.Info("module started", logx.Duration("took", time.Since(start)))
	return nil
}

func (h *Host) newKit(name string, m Module, raw json.RawMessage, rt config.Runtime, log logx.Logger) *Kit {
	clk := h.deps.Clock
	q := action.NewQueue(action.Config{MinInterval: rt.ActionInterval}, clk)
	hooks := defaultHooks(log)
	if sh, ok := m.(SerialHooker); ok {
		hooks = sh.SerialHooks()
	}
	return &Kit{
		Name:      name,
		Log:       log,
		Clock:     clk,
		Scheduler: schedule.New(schedule.Config{Name: name, Location: rt.Location}, clk, log, h.deps.Bus),
		Actions:   q,
		Runner:    action.NewRunner(q, action.RunnerConfig{Name: name, Timeout: rt.ActionTimeout}, clk, log, h.deps.Bus),
		Serial:    serial.New[json.RawMessage](serial.Config{Name: name, RetryDelay: rt.RetryDelay}, hooks, clk, log, h.deps.Bus),
		Forum:     h.deps.Forum,
		Store:     h.deps.Store,
		Bus:       h.deps.Bus,
		Config:    raw,
	}
}

func defaultHooks(log logx.Logger) serial.Hooks[json.RawMessage] {
	return serial.Hooks[json.RawMessage]{
		OnRetry: func(it serial.Item, err error) {
			log.Debug("serial attempt failed", logx.String("item", it.Name), logx.Int("attempt", it.Attempt), logx.Any("err", err))
		},
		OnReject: func(it serial.Item, err error) {
			log.Warn("serial item rejected", logx.String("item", it.Name), logx.Int("attempts", it.Attempt), logx.Any("err", err))
		},
	}
}

// drive ticks the kit until ctx ends. Each tick runs at most one scheduled
// task and starts at most one queued action.
func drive(ctx context.Context, k *Kit, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			k.Scheduler.Tick(ctx)
			k.Runner.Tick(ctx)
		}
	}
}

// Reload restarts the named modules with the new settings. Modules that are
// now disabled are stopped. Runtime changes apply to restarted modules only.
func (h *Host) Reload(ctx context.Context, set Settings, names []string) error {
	h.mu.Lock()
	h.set.Modules = set.Modules
	h.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := h.stopOne(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", name, err))
		}
		raw, ok := set.Modules[name]
		if !ok || !raw.Enabled {
			h.mu.Lock()
			delete(h.failed, name)
			h.mu.Unlock()
			continue
		}
		if err := h.startOne(name, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops every running module, bounded by ctx.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	names := make([]string, 0, len(h.run))
	for name := range h.run {
		names = append(names, name)
	}
	h.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := h.stopOne(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("module %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Host) stopOne(ctx context.Context, name string) error {
	h.mu.Lock()
	inst := h.run[name]
	delete(h.run, name)
	h.mu.Unlock()
	if inst == nil {
		return nil
	}

	start := time.Now()
	log := inst.kit.Log
	var errs []error
	if err := inst.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if err := inst.kit.Runner.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("in-flight action: %w", err))
	}
	inst.kit.Serial.Close()
	if err := inst.kit.Serial.Idle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("serial queue: %w", err))
	}
	if s, ok := inst.mod.(Stopper); ok {
		if err := safeCall(log, "module.stop", func() error { return s.Stop(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn("module stopped uncleanly", logx.Any("err", err), logx.Duration("took", time.Since(start)))
	} else {
		log.Info("module stopped", logx.Duration("took", time.Since(start)))
	}
	return err
}

func safeCall(log logx.Logger, label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in module call", logx.String("call", label), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

// ModuleStatus is a point-in-time view of one module.
type ModuleStatus struct {
	Name          string             `json:"name"`
	Enabled       bool               `json:"enabled"`
	Running       bool               `json:"running"`
	StartedAt     time.Time          `json:"started_at,omitempty"`
	StartErr      string             `json:"start_err,omitempty"`
	Scheduler     *schedule.Snapshot `json:"scheduler,omitempty"`
	Actions       *action.Snapshot   `json:"actions,omitempty"`
	ActionsRan    uint64             `json:"actions_ran"`
	ActionsFailed uint64             `json:"actions_failed"`
	SerialPending int                `json:"serial_pending"`
	Loops         []supervisor.Stats `json:"loops,omitempty"`
}

func (h *Host) Snapshot() []ModuleStatus {
	names := h.Names()
	out := make([]ModuleStatus, 0, len(names))
	for _, name := range names {
		st, _ := h.Module(name)
		out = append(out, st)
	}
	return out
}

// Module returns the status of a registered module.
func (h *Host) Module(name string) (ModuleStatus, bool) {
	h.mu.Lock()
	_, known := h.reg[name]
	inst := h.run[name]
	raw := h.set.Modules[name]
	startErr := h.failed[name]
	h.mu.Unlock()
	if !known {
		return ModuleStatus{}, false
	}

	st := ModuleStatus{Name: name, Enabled: raw.Enabled, StartErr: startErr}
	if inst == nil {
		return st, true
	}
	sched := inst.kit.Scheduler.Snapshot()
	acts := inst.kit.Actions.Snapshot()
	st.Running = true
	st.StartedAt = inst.started
	st.Scheduler = &sched
	st.Actions = &acts
	st.ActionsRan, st.ActionsFailed = inst.kit.Runner.Stats()
	st.SerialPending = inst.kit.Serial.Len()
	st.Loops = inst.sup.Snapshot()
	return st, true
}
