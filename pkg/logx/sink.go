package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink receives formatted log lines for delivery to a forum topic.
type Sink interface {
	Post(ctx context.Context, text string) error
}

const (
	sinkQueueSize   = 256
	sinkPostTimeout = 10 * time.Second
	maxSinkText     = 3500
)

// forumSink is a zerolog LevelWriter that forwards lines at or above
// minLevel to a Sink. Writes never block: lines are dropped when the rate
// limit is exceeded or the delivery queue is full.
type forumSink struct {
	mu       sync.Mutex
	sink     Sink
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue  chan string
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newForumSink() *forumSink {
	return &forumSink{
		queue:    make(chan string, sinkQueueSize),
		limiter:  rate.NewLimiter(1, 1),
		minLevel: zerolog.WarnLevel,
	}
}

func (f *forumSink) apply(cfg ForumConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	f.mu.Lock()
	f.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	f.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	f.mu.Unlock()

	if cfg.Enabled {
		f.once.Do(f.start)
	}
}

func (f *forumSink) setSink(s Sink) {
	f.mu.Lock()
	f.sink = s
	f.mu.Unlock()
}

func (f *forumSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-f.queue:
				f.mu.Lock()
				s := f.sink
				f.mu.Unlock()
				if s == nil {
					continue
				}
				pctx, pcancel := context.WithTimeout(ctx, sinkPostTimeout)
				_ = s.Post(pctx, line)
				pcancel()
			}
		}
	}()
}

func (f *forumSink) stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		f.wg.Wait()
	}
}

func (f *forumSink) Write(p []byte) (int, error) {
	return f.WriteLevel(zerolog.InfoLevel, p)
}

func (f *forumSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	f.mu.Lock()
	s := f.sink
	lim := f.limiter
	min := f.minLevel
	f.mu.Unlock()

	if s == nil || level < min || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	msg := formatSinkLine(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case f.queue <- msg:
	default:
	}
	return len(p), nil
}

// formatSinkLine renders a zerolog JSON line as "[LEVEL] message" followed by
// one "- key=value" line per field, sorted by key.
func formatSinkLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxSinkText)
	}
	lvl, _ := m[zerolog.LevelFieldName].(string)
	msg, _ := m[zerolog.MessageFieldName].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	return truncate(b.String(), maxSinkText)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:runeCut(s, maxN)]
	}
	return s[:runeCut(s, maxN-3)] + "..."
}

// runeCut backs n off to the start of the rune it falls in.
func runeCut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
