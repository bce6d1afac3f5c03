package schedule

import (
	"context"
	"errors"
	"time"

	"errorbot/internal/task/retry"
)

var (
	ErrNilWork      = errors.New("schedule: work is nil")
	ErrBadInterval  = errors.New("schedule: negative delay or interval")
	ErrTaskNotFound = errors.New("schedule: task not found")
)

// Kind is the outcome of one run of a task's work.
type Kind int

const (
	// KindContinue: the run counted; reschedule after the interval (or the
	// delay carried by the Result).
	KindContinue Kind = iota
	// KindDone: retire the task.
	KindDone
	// KindSkip: nothing to do this round; the run does not count and the
	// same Tick moves on to the next due task.
	KindSkip
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "continue"
	case KindDone:
		return "done"
	case KindSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Result is the hint returned by a task's work.
type Result struct {
	Kind     Kind
	Delay    time.Duration
	HasDelay bool
}

// Continue reschedules after the task's interval.
func Continue() Result { return Result{Kind: KindContinue} }

// After reschedules after d instead of the interval.
func After(d time.Duration) Result {
	if d < 0 {
		d = 0
	}
	return Result{Kind: KindContinue, Delay: d, HasDelay: true}
}

// Done retires the task after this run.
func Done() Result { return Result{Kind: KindDone} }

// Skip reports that there was nothing to do.
func Skip() Result { return Result{Kind: KindSkip} }

// Work is one recurring unit of work. A non-nil error is logged and counted as
// a completed run; it never reaches the host loop.
type Work func(ctx context.Context) (Result, error)

// Func adapts a plain function to Work; every successful run is a Continue.
func Func(fn func(ctx context.Context) error) Work {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context) (Result, error) {
		return Continue(), fn(ctx)
	}
}

// Options configures a task.
type Options struct {
	// Name identifies the task in logs and snapshots. Adding a task with the
	// name of an existing one replaces it. Empty names get a generated id.
	Name string

	// Delay postpones the first run (relative to Add).
	Delay time.Duration
	// Interval is the default wait after a run.
	Interval time.Duration
	// Times is the repeat budget; 0 means unbounded.
	Times int

	// Schedule optionally sets the cadence from a string (see ParseSchedule).
	// Interval forms override Interval; cron forms compute every next due
	// time from the cron expression.
	Schedule string

	// Spread adds a random [0, Spread) offset to the first due time.
	Spread time.Duration

	// Timeout bounds a single run through its context. 0 disables.
	Timeout time.Duration

	// Backoff, when enabled, replaces Interval after failed runs with an
	// exponential delay based on consecutive failures.
	Backoff retry.Policy
}

// Config controls a Scheduler.
type Config struct {
	// Name is the owner (usually the module) used in logs and events.
	Name string
	// Location for cron schedules. Defaults to time.Local.
	Location *time.Location
}

// TaskInfo is a point-in-time view of one task.
type TaskInfo struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec,omitempty"`
	Interval  time.Duration `json:"interval"`
	NextDue   time.Time     `json:"next_due"`
	Remaining int           `json:"remaining"` // -1 when unbounded
	Busy      bool          `json:"busy"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	Skips     uint64        `json:"skips"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Name  string     `json:"name"`
	Ticks uint64     `json:"ticks"`
	Tasks []TaskInfo `json:"tasks"`
}
