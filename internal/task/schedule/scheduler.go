package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"errorbot/internal/clock"
	"errorbot/internal/eventbus"
	"errorbot/internal/task/retry"
	logx "errorbot/pkg/logx"
)

const failureWarnThrottle = 5 * time.Second

type task struct {
	seq  uint64
	name string
	work Work
	opt  Options

	spec string
	cron cron.Schedule

	nextDue   time.Time
	remaining int
	unbounded bool
	retired   bool
	busy      bool

	runs        uint64
	failures    uint64
	skips       uint64
	consecFails int
	lastRun     time.Time
	lastErr     string
}

func (t *task) eligible(now time.Time) bool {
	return !t.retired && !t.busy && !now.Before(t.nextDue)
}

// consume spends one repeat and retires the task when the budget runs out.
func (t *task) consume() {
	if t.unbounded {
		return
	}
	t.remaining--
	if t.remaining <= 0 {
		t.remaining = 0
		t.retired = true
	}
}

func (t *task) after(now time.Time, loc *time.Location) time.Time {
	if t.cron != nil {
		if loc != nil {
			now = now.In(loc)
		}
		if next := t.cron.Next(now); !next.IsZero() {
			return next
		}
	}
	return now.Add(t.opt.Interval)
}

type Scheduler struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus
	rng *rand.Rand

	tasks []*task
	seq   uint64

	ticking atomic.Bool
	ticks   atomic.Uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:      cfg,
		clk:      clock.OrSystem(clk),
		log:      log,
		bus:      bus,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(fnv64a(cfg.Name)))),
		lastWarn: map[string]time.Time{},
	}
}

// Add registers work. The first run is due at now+Delay (plus any spread, or
// the next cron time when Schedule is a cron expression).
func (s *Scheduler) Add(work Work, opt Options) (*Handle, error) {
	if work == nil {
		return nil, ErrNilWork
	}
	if opt.Delay < 0 || opt.Interval < 0 {
		return nil, ErrBadInterval
	}
	opt.Name = strings.TrimSpace(opt.Name)

	t := &task{work: work, opt: opt, remaining: opt.Times, unbounded: opt.Times <= 0}
	if raw := strings.TrimSpace(opt.Schedule); raw != "" {
		ps, err := ParseSchedule(raw)
		if err != nil {
			return nil, err
		}
		t.spec = ps.Expr
		switch ps.Kind {
		case SpecInterval:
			t.opt.Interval = ps.Every
		case SpecCron:
			t.cron = ps.Cron
		}
	}

	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	if opt.Name == "" {
		t.name = fmt.Sprintf("task.%d", t.seq)
	} else {
		t.name = opt.Name
		s.retireLocked(t.name)
	}
	now := s.clk.Now()
	first := now.Add(opt.Delay)
	if t.cron != nil {
		first = t.after(first, s.cfg.Location)
	}
	t.nextDue = first.Add(spreadOffset(opt.Spread, t.name))
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	fields := []logx.Field{logx.String("task", t.name), logx.Time("next_due", t.nextDue), logx.Duration("interval", t.opt.Interval)}
	if t.spec != "" {
		fields = append(fields, logx.String("spec", t.spec))
	}
	s.log.Debug("task registered", fields...)
	return &Handle{s: s, t: t}, nil
}

// Remove retires the task with the given name. It returns false if no live
// task has that name.
func (s *Scheduler) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.retireLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("task removed", logx.String("task", name))
	}
	return removed
}

func (s *Scheduler) retireLocked(name string) bool {
	removed := false
	for _, t := range s.tasks {
		if t.name == name && !t.retired {
			t.retired = true
			removed = true
		}
	}
	return removed
}

// Len returns the number of live (not retired) tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.retired {
			n++
		}
	}
	return n
}

// Tick runs at most one due task to completion. Tasks that report Skip do not
// count, and the next due task is tried within the same call. Tick returns
// true if a counted run (success, done or failure) happened.
//
// A Tick that starts while another is in progress returns false immediately.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return false
	}
	if !s.ticking.CompareAndSwap(false, true) {
		return false
	}
	defer s.ticking.Store(false)
	s.ticks.Add(1)

	now := s.clk.Now()
	for _, t := range s.dueTasks(now) {
		if !s.acquire(t, now) {
			continue
		}
		started := s.clk.Now()
		res, err := s.runOne(ctx, t)
		if !s.settle(t, started, res, err) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}

// dueTasks drops retired tasks and returns the eligible ones, earliest due
// first. Ties keep registration order.
func (s *Scheduler) dueTasks(now time.Time) []*task {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.tasks[:0]
	var due []*task
	for _, t := range s.tasks {
		if t.retired && !t.busy {
			continue
		}
		live = append(live, t)
		if t.eligible(now) {
			due = append(due, t)
		}
	}
	for i := len(live); i < len(s.tasks); i++ {
		s.tasks[i] = nil
	}
	s.tasks = live

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].nextDue.Before(due[j].nextDue)
	})
	return due
}

func (s *Scheduler) acquire(t *task, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.eligible(now) {
		return false
	}
	t.busy = true
	return true
}

func (s *Scheduler) runOne(ctx context.Context, t *task) (res Result, err error) {
	runCtx := ctx
	if t.opt.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.opt.Timeout)
		defer cancel()
	}
	// A panicking task must not take the host loop down with it.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.work(runCtx)
}

// settle records the outcome of a run and reports whether it was a skip.
func (s *Scheduler) settle(t *task, started time.Time, res Result, err error) (skipped bool) {
	s.mu.Lock()
	now := s.clk.Now()
	t.busy = false
	wasRetired := t.retired

	switch {
	case err != nil:
		t.runs++
		t.failures++
		t.consecFails++
		t.lastRun = now
		t.lastErr = err.Error()
		t.consume()
		t.nextDue = s.failureDueLocked(t, now, err)
	case res.Kind == KindSkip:
		t.skips++
		skipped = true
	default:
		t.runs++
		t.consecFails = 0
		t.lastRun = now
		t.lastErr = ""
		t.consume()
		if res.HasDelay {
			t.nextDue = now.Add(res.Delay)
		} else {
			t.nextDue = t.after(now, s.cfg.Location)
		}
		if res.Kind == KindDone {
			t.remaining = 0
			t.retired = true
		}
	}
	retiredNow := t.retired && !wasRetired
	attempts := t.consecFails
	next := t.nextDue
	s.mu.Unlock()

	dur := now.Sub(started)
	ev := eventbus.TaskEvent{Name: t.name, Started: started, Duration: dur, Attempts: attempts}
	switch {
	case err != nil:
		ev.Error = err.Error()
		if s.shouldWarn(t.name, now) {
			s.log.Warn("task.failed", logx.String("task", t.name), logx.Any("err", err), logx.Int("consecutive", attempts), logx.Time("next_due", next))
		} else {
			s.log.Debug("task.failed", logx.String("task", t.name), logx.Any("err", err), logx.Int("consecutive", attempts))
		}
		s.publish(eventbus.TaskFailed, ev)
	case skipped:
		s.publish(eventbus.TaskSkipped, ev)
	default:
		s.log.Debug("task.completed", logx.String("task", t.name), logx.Duration("dur", dur), logx.String("result", res.Kind.String()))
		s.publish(eventbus.TaskFinished, ev)
	}
	if retiredNow {
		s.log.Debug("task retired", logx.String("task", t.name))
		s.publish(eventbus.TaskRetired, ev)
	}
	return skipped
}

// failureDueLocked picks the next due time after a failed run: an explicit
// RetryAfter hint, then the task's backoff policy, then its normal cadence.
func (s *Scheduler) failureDueLocked(t *task, now time.Time, err error) time.Time {
	if t.opt.Backoff.Enabled() {
		return now.Add(t.opt.Backoff.Delay(t.consecFails, err, s.rng))
	}
	if d, ok := retry.Hint(err); ok {
		return now.Add(d)
	}
	return t.after(now, s.cfg.Location)
}

func (s *Scheduler) shouldWarn(name string, now time.Time) bool {
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < failureWarnThrottle {
		return false
	}
	s.lastWarn[name] = now
	return true
}

func (s *Scheduler) publish(typ string, ev eventbus.TaskEvent) {
	eventbus.Publish(s.bus, eventbus.Event{Type: typ, Source: s.cfg.Name, Time: ev.Started.Add(ev.Duration), Data: ev})
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Name: s.cfg.Name, Ticks: s.ticks.Load(), Tasks: make([]TaskInfo, 0, len(s.tasks))}
	for _, t := range s.tasks {
		if t.retired {
			continue
		}
		out.Tasks = append(out.Tasks, t.infoLocked())
	}
	return out
}

func (t *task) infoLocked() TaskInfo {
	rem := t.remaining
	if t.unbounded {
		rem = -1
	}
	return TaskInfo{
		Name:      t.name,
		Spec:      t.spec,
		Interval:  t.opt.Interval,
		NextDue:   t.nextDue,
		Remaining: rem,
		Busy:      t.busy,
		Runs:      t.runs,
		Failures:  t.failures,
		Skips:     t.skips,
		LastRun:   t.lastRun,
		LastError: t.lastErr,
	}
}

// Handle refers to one registered task.
type Handle struct {
	s *Scheduler
	t *task
}

func (h *Handle) Name() string { return h.t.name }

// Cancel retires the task. A run already in flight completes but is not
// rescheduled. It returns false if the task was already retired.
func (h *Handle) Cancel() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.t.retired {
		return false
	}
	h.t.retired = true
	return true
}

// Info returns the task's current state, including after retirement.
func (h *Handle) Info() TaskInfo {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.t.infoLocked()
}

func (h *Handle) Retired() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.t.retired
}
