// Package heartbeat issues configured forum calls on a schedule. Every call
// goes through the module's serial queue, so calls never overlap and failed
// ones are retried in place before the next call starts.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"errorbot/internal/config"
	"errorbot/internal/host"
	"errorbot/internal/storage"
	"errorbot/internal/task/schedule"
	"errorbot/internal/task/serial"
	logx "errorbot/pkg/logx"
)

const Name = "heartbeat"

type Config struct {
	Tasks []TaskConfig `json:"tasks"`
}

// TaskConfig is one scheduled batch of calls.
type TaskConfig struct {
	Name string `json:"name"`
	// Every is a schedule string as accepted by schedule.ParseSchedule:
	// a duration, HH:MM or a cron expression.
	Every string `json:"every"`
	Delay string `json:"delay"`
	// Times limits how many batches run; 0 means forever.
	Times int `json:"times"`
	// Retries is the number of extra attempts per call.
	Retries int            `json:"retries"`
	Methods []MethodConfig `json:"methods"`
}

type MethodConfig struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (c Config) validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, t := range c.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		case seen[name]:
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", path, name))
		}
		seen[name] = true
		if _, err := schedule.ParseSchedule(t.Every); err != nil {
			errs = append(errs, fmt.Errorf("%s.every: %w", path, err))
		}
		if _, err := config.ParseDurationField(path+".delay", t.Delay); err != nil {
			errs = append(errs, err)
		}
		if t.Times < 0 || t.Retries < 0 {
			errs = append(errs, fmt.Errorf("%s: times and retries must be >= 0", path))
		}
		if len(t.Methods) == 0 {
			errs = append(errs, fmt.Errorf("%s.methods must not be empty", path))
		}
		for j, m := range t.Methods {
			if strings.TrimSpace(m.Method) == "" {
				errs = append(errs, fmt.Errorf("%s.methods[%d].method is required", path, j))
			}
		}
	}
	return errors.Join(errs...)
}

// Stats counts call outcomes.
type Stats struct {
	Resolved uint64 `json:"resolved"`
	Rejected uint64 `json:"rejected"`
	Retries  uint64 `json:"retries"`
}

type Module struct {
	kit *host.Kit
	ctx context.Context

	mu       sync.Mutex
	inflight map[string]int

	resolved atomic.Uint64
	rejected atomic.Uint64
	retries  atomic.Uint64
}

func New() *Module { return &Module{inflight: map[string]int{}} }

func (m *Module) Name() string { return Name }

func (m *Module) ValidateConfig(raw json.RawMessage) error {
	cfg, err := host.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	return cfg.validate()
}

func (m *Module) Start(ctx context.Context, k *host.Kit) error {
	cfg, err := host.DecodeConfig[Config](k.Config)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if k.Forum == nil {
		return errors.New("heartbeat: forum client is required")
	}
	m.kit = k
	m.ctx = ctx

	for _, t := range cfg.Tasks {
		delay, _ := config.ParseDurationField("delay", t.Delay)
		_, err := k.Scheduler.Add(m.batch(t), schedule.Options{
			Name:     "heartbeat." + strings.TrimSpace(t.Name),
			Schedule: t.Every,
			Delay:    delay,
			Times:    t.Times,
		})
		if err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
	}
	k.Log.Info("heartbeat tasks registered", logx.Int("tasks", len(cfg.Tasks)))
	return nil
}

// batch enqueues every method of t. A batch whose previous round is still
// queued is skipped until that round drains.
func (m *Module) batch(t TaskConfig) schedule.Work {
	name := strings.TrimSpace(t.Name)
	return func(context.Context) (schedule.Result, error) {
		m.mu.Lock()
		busy := m.inflight[name] > 0
		if !busy {
			m.inflight[name] += len(t.Methods)
		}
		m.mu.Unlock()
		if busy {
			return schedule.Skip(), nil
		}

		for _, mc := range t.Methods {
			method := strings.TrimSpace(mc.Method)
			args := make([]any, len(mc.Params))
			for i, p := range mc.Params {
				args[i] = p
			}
			fut := m.kit.Serial.Enqueue(m.ctx, name+":"+method, func(ctx context.Context) (json.RawMessage, error) {
				return m.kit.Forum.Emit(ctx, method, args...)
			}, t.Retries+1)
			go m.settle(name, fut)
		}
		return schedule.Continue(), nil
	}
}

func (m *Module) settle(task string, fut *serial.Future[json.RawMessage]) {
	<-fut.Done()
	m.mu.Lock()
	if m.inflight[task] > 0 {
		m.inflight[task]--
	}
	m.mu.Unlock()
}

// SerialHooks logs and audits every call outcome.
func (m *Module) SerialHooks() serial.Hooks[json.RawMessage] {
	return serial.Hooks[json.RawMessage]{
		OnRetry: func(it serial.Item, err error) {
			if it.Attempt < it.Attempts {
				m.retries.Add(1)
				m.kit.Log.Debug("heartbeat call failed; retrying", logx.String("call", it.Name), logx.Int("attempt", it.Attempt), logx.Any("err", err))
			}
		},
		OnResolve: func(it serial.Item, _ json.RawMessage) {
			m.resolved.Add(1)
			m.kit.Log.Debug("heartbeat call ok", logx.String("call", it.Name), logx.Int("attempt", it.Attempt))
			m.kit.Audit(m.ctx, storage.AuditEntry{Action: it.Name, Target: it.ID, OK: true})
		},
		OnReject: func(it serial.Item, err error) {
			m.rejected.Add(1)
			m.kit.Log.Warn("heartbeat call gave up", logx.String("call", it.Name), logx.Int("attempts", it.Attempt), logx.Any("err", err))
			m.kit.Audit(m.ctx, storage.AuditEntry{Action: it.Name, Target: it.ID, Error: err.Error()})
		},
	}
}

func (m *Module) Stats() Stats {
	return Stats{Resolved: m.resolved.Load(), Rejected: m.rejected.Load(), Retries: m.retries.Load()}
}
