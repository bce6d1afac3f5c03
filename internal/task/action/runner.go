package action

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"errorbot/internal/clock"
	"errorbot/internal/eventbus"
	logx "errorbot/pkg/logx"
)

type RunnerConfig struct {
	// Name is the owner used in logs and events.
	Name string
	// Timeout bounds each action through its context. 0 disables.
	Timeout time.Duration
	// OnError receives every failed (or panicking) action. Failures are
	// never retried.
	OnError func(a *Action, err error)
}

// Runner drives a Queue: each Tick starts at most one action, and never while
// the previous one is still running.
type Runner struct {
	q   *Queue
	cfg RunnerConfig
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus

	working atomic.Bool

	mu   sync.Mutex
	idle chan struct{} // closed when nothing is in flight

	ran    atomic.Uint64
	failed atomic.Uint64
}

func NewRunner(q *Queue, cfg RunnerConfig, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Runner{q: q, cfg: cfg, clk: clock.OrSystem(clk), log: log, bus: bus, idle: idle}
}

func (r *Runner) Queue() *Queue { return r.q }

// Busy reports whether an action is in flight.
func (r *Runner) Busy() bool { return r.working.Load() }

// Tick starts the next action in the background. It returns true if one was
// started.
func (r *Runner) Tick(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return false
	}
	if !r.working.CompareAndSwap(false, true) {
		return false
	}
	a := r.q.Dequeue()
	if a == nil {
		r.working.Store(false)
		return false
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.idle = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer r.working.Store(false)
		r.run(ctx, a)
	}()
	return true
}

func (r *Runner) run(ctx context.Context, a *Action) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	started := r.clk.Now()
	err := r.call(ctx, a)
	dur := r.clk.Now().Sub(started)
	r.ran.Add(1)

	ev := eventbus.TaskEvent{Name: a.Name, Started: started, Duration: dur, Attempts: 1}
	if err == nil {
		r.log.Debug("action.finished", logx.String("action", a.Name), logx.String("priority", a.Priority.String()), logx.Duration("dur", dur))
		eventbus.Publish(r.bus, eventbus.Event{Type: eventbus.ActionFinished, Source: r.cfg.Name, Data: ev})
		return
	}

	r.failed.Add(1)
	ev.Error = err.Error()
	r.log.Warn("action.failed", logx.String("action", a.Name), logx.String("priority", a.Priority.String()), logx.Any("err", err))
	eventbus.Publish(r.bus, eventbus.Event{Type: eventbus.ActionFailed, Source: r.cfg.Name, Data: ev})
	if r.cfg.OnError != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("action.on_error.panic", logx.String("action", a.Name), logx.Any("panic", p))
				}
			}()
			r.cfg.OnError(a, err)
		}()
	}
}

func (r *Runner) call(ctx context.Context, a *Action) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			r.log.Error("action.panic", logx.String("action", a.Name), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	return a.Fn(ctx)
}

// Wait blocks until the in-flight action (if any) settles or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the number of actions run and how many of them failed.
func (r *Runner) Stats() (ran, failed uint64) {
	return r.ran.Load(), r.failed.Load()
}
