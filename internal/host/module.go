package host

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"errorbot/internal/clock"
	"errorbot/internal/eventbus"
	"errorbot/internal/forum"
	"errorbot/internal/runtime/supervisor"
	"errorbot/internal/storage"
	"errorbot/internal/task/action"
	"errorbot/internal/task/schedule"
	"errorbot/internal/task/serial"
	logx "errorbot/pkg/logx"
)

// Module is a unit of bot behaviour. Start registers tasks on the kit and
// must not block; the host drives the kit's scheduler and runner afterwards.
type Module interface {
	Name() string
	Start(ctx context.Context, k *Kit) error
}

// Stopper is implemented by modules that hold resources beyond their kit.
type Stopper interface {
	Stop(ctx context.Context) error
}

// ConfigValidator is implemented by modules that can check their raw config
// without starting.
type ConfigValidator interface {
	ValidateConfig(raw json.RawMessage) error
}

// Kit is everything a module gets from the host. Each module has its own
// scheduler, action queue and serial queue.
type Kit struct {
	Name      string
	Log       logx.Logger
	Clock     clock.Clock
	Scheduler *schedule.Scheduler
	Actions   *action.Queue
	Runner    *action.Runner
	Serial    *serial.Queue[json.RawMessage]
	Forum     forum.Client
	Store     storage.Store
	Bus       eventbus.Bus
	Config    json.RawMessage

	sup *supervisor.Supervisor
}

// Go runs fn under the module's supervisor; it is cancelled when the module
// stops.
func (k *Kit) Go(name string, fn func(ctx context.Context) error) {
	k.sup.Go(k.Name+"."+name, fn)
}

// Audit records an outcome in the store, if one is configured.
func (k *Kit) Audit(ctx context.Context, e storage.AuditEntry) {
	if k.Store == nil {
		return
	}
	if e.Module == "" {
		e.Module = k.Name
	}
	if e.At.IsZero() {
		e.At = k.Clock.Now()
	}
	actx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.Store.AppendAudit(actx, e); err != nil {
		k.Log.Debug("audit append failed", logx.Any("err", err))
	}
}

// DecodeConfig strictly decodes a module's raw config. Empty input yields the
// zero value.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
