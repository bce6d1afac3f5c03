// Package action holds a rate-limited, multi-priority FIFO of pending actions
// and the Runner that drives it one action at a time.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"errorbot/internal/clock"
)

var ErrUnknownPriority = errors.New("action: unknown priority")

// Priority orders the lanes of a Queue. Higher values are dequeued first.
type Priority int

const (
	Lowest Priority = iota
	Low
	Normal
	High
	Highest

	numPriorities = int(Highest) + 1
)

func (p Priority) String() string {
	switch p {
	case Lowest:
		return "lowest"
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Highest:
		return "highest"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool { return p >= Lowest && p <= Highest }

// ParsePriority accepts the names printed by Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lowest":
		return Lowest, nil
	case "low":
		return Low, nil
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	case "highest":
		return Highest, nil
	}
	return Normal, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

// Func is one pending action.
type Func func(ctx context.Context) error

// Action is a queued Func with a label for logs.
type Action struct {
	Name     string
	Priority Priority
	Fn       Func
	Enqueued time.Time
}

type Config struct {
	// MinInterval is the minimum spacing between successful dequeues.
	// 0 disables rate limiting.
	MinInterval time.Duration
}

// Queue keeps one FIFO lane per priority. It never runs anything itself.
type Queue struct {
	mu    sync.Mutex
	clk   clock.Clock
	cfg   Config
	lanes [numPriorities][]*Action

	lastDequeue time.Time
	dequeued    uint64
}

func NewQueue(cfg Config, clk clock.Clock) *Queue {
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	return &Queue{cfg: cfg, clk: clock.OrSystem(clk)}
}

// Enqueue appends fn to the tail of its priority lane. Unknown priorities are
// clamped into range.
func (q *Queue) Enqueue(name string, fn Func, p Priority) {
	if fn == nil {
		return
	}
	if !p.valid() {
		if p < Lowest {
			p = Lowest
		} else {
			p = Highest
		}
	}
	a := &Action{Name: name, Priority: p, Fn: fn}

	q.mu.Lock()
	a.Enqueued = q.clk.Now()
	q.lanes[p] = append(q.lanes[p], a)
	q.mu.Unlock()
}

// Dequeue removes and returns the head of the highest non-empty lane. It
// returns nil when every lane is empty or when less than MinInterval has
// passed since the last successful dequeue.
func (q *Queue) Dequeue() *Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	if q.cfg.MinInterval > 0 && !q.lastDequeue.IsZero() && now.Sub(q.lastDequeue) < q.cfg.MinInterval {
		return nil
	}
	for p := numPriorities - 1; p >= 0; p-- {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		a := lane[0]
		lane[0] = nil
		q.lanes[p] = lane[1:]
		if len(q.lanes[p]) == 0 {
			q.lanes[p] = nil
		}
		q.lastDequeue = now
		q.dequeued++
		return a
	}
	return nil
}

// Len returns the number of pending actions across all lanes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, lane := range q.lanes {
		n += len(lane)
	}
	return n
}

// Snapshot is a point-in-time view of a Queue.
type Snapshot struct {
	Lanes       map[string]int `json:"lanes"`
	Pending     int            `json:"pending"`
	Dequeued    uint64         `json:"dequeued"`
	LastDequeue time.Time      `json:"last_dequeue,omitempty"`
	MinInterval time.Duration  `json:"min_interval"`
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := Snapshot{
		Lanes:       make(map[string]int, numPriorities),
		Dequeued:    q.dequeued,
		LastDequeue: q.lastDequeue,
		MinInterval: q.cfg.MinInterval,
	}
	for p, lane := range q.lanes {
		out.Lanes[Priority(p).String()] = len(lane)
		out.Pending += len(lane)
	}
	return out
}
