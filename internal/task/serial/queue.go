// Package serial runs enqueued work strictly one item after another, with a
// bounded number of attempts per item and observation hooks around every step.
//
// Enqueue never blocks. The returned Future settles once the item's turn has
// come and all of its attempts are spent (or one succeeded). Items settle in
// enqueue order and never overlap.
package serial

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"errorbot/internal/clock"
	"errorbot/internal/eventbus"
	"errorbot/internal/task/retry"
	logx "errorbot/pkg/logx"
)

var (
	ErrClosed  = errors.New("serial: queue closed")
	ErrNilWork = errors.New("serial: work is nil")
)

// Work is one enqueued unit. It is called once per attempt.
type Work[T any] func(ctx context.Context) (T, error)

// Item describes an enqueued unit to hooks.
type Item struct {
	ID       string
	Name     string
	Attempt  int // 1-based, 0 before the first attempt
	Attempts int
	Enqueued time.Time
}

// Hooks are observation points. All fields are optional. They run on the
// queue's worker goroutine and must not block for long. OnEnqueue runs on the
// caller's goroutine; the item does not start until it returns.
type Hooks[T any] struct {
	OnEnqueue    func(it Item)
	OnBeforeEach func(it Item)
	// OnRetry fires after every failed attempt, including the last one.
	OnRetry     func(it Item, err error)
	OnAfterEach func(it Item)
	OnResolve   func(it Item, v T)
	OnReject    func(it Item, err error)
	OnDequeue   func(it Item)
	OnEmpty     func()
}

type Config struct {
	// Name is the owner used in logs and events.
	Name string
	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration
	// Backoff, when enabled, replaces RetryDelay with an exponential delay.
	Backoff retry.Policy
}

type entry[T any] struct {
	ctx  context.Context
	item Item
	work Work[T]
	fut  *Future[T]
	// ready is closed once OnEnqueue has returned; the worker waits on it.
	ready chan struct{}
}

type Queue[T any] struct {
	cfg   Config
	hooks Hooks[T]
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus
	rng   *rand.Rand

	mu      sync.Mutex
	pending []*entry[T]
	running bool
	closed  bool
	idle    chan struct{}
}

func New[T any](cfg Config, hooks Hooks[T], clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Queue[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{
		cfg:   cfg,
		hooks: hooks,
		clk:   clock.OrSystem(clk),
		log:   log,
		bus:   bus,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		idle:  idle,
	}
}

// Enqueue appends work behind everything already enqueued. attempts below 1
// are treated as 1. Cancelling ctx abandons the remaining attempts.
func (q *Queue[T]) Enqueue(ctx context.Context, name string, work Work[T], attempts int) *Future[T] {
	fut := newFuture[T]()
	if work == nil {
		fut.settle(*new(T), ErrNilWork)
		return fut
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if attempts < 1 {
		attempts = 1
	}
	e := &entry[T]{
		ctx:  ctx,
		work:  work,
		fut:   fut,
		ready: make(chan struct{}),
		item: Item{
			ID:       uuid.NewString(),
			Name:     strings.TrimSpace(name),
			Attempts: attempts,
			Enqueued: q.clk.Now(),
		},
	}
	fut.id = e.item.ID

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		fut.settle(*new(T), ErrClosed)
		return fut
	}
	q.pending = append(q.pending, e)
	start := !q.running
	if start {
		q.running = true
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	q.hook("on_enqueue", func() { callHook(q.hooks.OnEnqueue, e.item) })
	close(e.ready)
	if start {
		go q.drain(idle)
	}
	return fut
}

// drain is the worker goroutine. It exits once OnEmpty has run and nothing
// was enqueued meanwhile.
func (q *Queue[T]) drain(idle chan struct{}) {
	emptied := false
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			if !emptied {
				q.mu.Unlock()
				emptied = true
				q.hook("on_empty", func() {
					if q.hooks.OnEmpty != nil {
						q.hooks.OnEmpty()
					}
				})
				continue
			}
			q.running = false
			q.mu.Unlock()
			close(idle)
			return
		}
		emptied = false
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.process(e)
	}
}

func (q *Queue[T]) process(e *entry[T]) {
	<-e.ready
	it := e.item
	q.hook("on_before_each", func() { callHook(q.hooks.OnBeforeEach, it) })

	started := q.clk.Now()
	var (
		v   T
		err error
	)
	for attempt := 1; attempt <= it.Attempts; attempt++ {
		it.Attempt = attempt
		if cerr := e.ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			break
		}
		v, err = q.call(e.ctx, e.work, it)
		if err == nil {
			break
		}
		failed := it
		q.hook("on_retry", func() {
			if q.hooks.OnRetry != nil {
				q.hooks.OnRetry(failed, err)
			}
		})
		if attempt == it.Attempts || retry.IsNoRetry(err) {
			break
		}
		if werr := q.wait(e.ctx, attempt, err); werr != nil {
			break
		}
	}

	ev := eventbus.TaskEvent{Name: itemLabel(it), Started: started, Duration: q.clk.Now().Sub(started), Attempts: it.Attempt}
	q.hook("on_after_each", func() { callHook(q.hooks.OnAfterEach, it) })
	if err == nil {
		q.hook("on_resolve", func() {
			if q.hooks.OnResolve != nil {
				q.hooks.OnResolve(it, v)
			}
		})
		e.fut.settle(v, nil)
		eventbus.Publish(q.bus, eventbus.Event{Type: eventbus.SerialResolved, Source: q.cfg.Name, Data: ev})
	} else {
		ev.Error = err.Error()
		q.log.Warn("serial.rejected", logx.String("item", ev.Name), logx.Int("attempts", it.Attempt), logx.Any("err", err))
		q.hook("on_reject", func() {
			if q.hooks.OnReject != nil {
				q.hooks.OnReject(it, err)
			}
		})
		e.fut.settle(v, err)
		eventbus.Publish(q.bus, eventbus.Event{Type: eventbus.SerialRejected, Source: q.cfg.Name, Data: ev})
	}
	q.hook("on_dequeue", func() { callHook(q.hooks.OnDequeue, it) })
}

func (q *Queue[T]) call(ctx context.Context, w Work[T], it Item) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.log.Error("serial.panic", logx.String("item", itemLabel(it)), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return w(ctx)
}

// wait sleeps before the next attempt. Only the worker goroutine touches rng.
func (q *Queue[T]) wait(ctx context.Context, attempt int, err error) error {
	var d time.Duration
	switch {
	case q.cfg.Backoff.Enabled():
		d = q.cfg.Backoff.Delay(attempt, err, q.rng)
	default:
		d = q.cfg.RetryDelay
		if hint, ok := retry.Hint(err); ok {
			d = hint
		}
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) hook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("serial.hook.panic", logx.String("hook", name), logx.Any("panic", r))
		}
	}()
	fn()
}

func callHook(fn func(Item), it Item) {
	if fn != nil {
		fn(it)
	}
}

func itemLabel(it Item) string {
	if it.Name != "" {
		return it.Name
	}
	return it.ID
}

// Close rejects later enqueues with ErrClosed. Items already queued still run.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Len returns the number of items waiting for their turn (excluding the one
// in flight).
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Idle blocks until the queue has nothing pending or in flight.
func (q *Queue[T]) Idle(ctx context.Context) error {
	for {
		q.mu.Lock()
		idle := q.idle
		quiet := !q.running && len(q.pending) == 0
		q.mu.Unlock()
		if quiet {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
