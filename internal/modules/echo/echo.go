// Package echo answers "!echo <text>" mentions by replying with the text.
package echo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"errorbot/internal/config"
	"errorbot/internal/eventbus"
	"errorbot/internal/forum"
	"errorbot/internal/host"
	"errorbot/internal/storage"
	"errorbot/internal/task/action"
	"errorbot/internal/task/schedule"
	logx "errorbot/pkg/logx"
)

const (
	Name            = "echo"
	defaultPrefix   = "!echo"
	defaultDedupTTL = 24 * time.Hour
	maxReplyLen     = 4000
)

type Config struct {
	Prefix   string   `json:"prefix"`
	Types    []string `json:"types"`
	DedupTTL string   `json:"dedup_ttl"`
	Priority string   `json:"priority"`
}

type settings struct {
	prefix   string
	types    map[string]bool
	dedupTTL time.Duration
	priority action.Priority
}

func resolve(cfg Config) (settings, error) {
	s := settings{prefix: strings.TrimSpace(cfg.Prefix), types: map[string]bool{}}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	for _, t := range cfg.Types {
		if t = strings.TrimSpace(t); t != "" {
			s.types[t] = true
		}
	}
	if len(s.types) == 0 {
		s.types["mention"] = true
	}
	var err error
	if s.dedupTTL, err = config.ParseDurationOrDefault("dedup_ttl", cfg.DedupTTL, defaultDedupTTL); err != nil {
		return s, err
	}
	if s.priority, err = action.ParsePriority(cfg.Priority); err != nil {
		return s, fmt.Errorf("priority: %w", err)
	}
	return s, nil
}

type Module struct {
	set    settings
	kit    *host.Kit
	events <-chan eventbus.Event
	store  storage.Store

	replied atomic.Uint64
}

func New() *Module { return &Module{} }

func (m *Module) Name() string { return Name }

func (m *Module) ValidateConfig(raw json.RawMessage) error {
	cfg, err := host.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	_, err = resolve(cfg)
	return err
}

func (m *Module) Start(ctx context.Context, k *host.Kit) error {
	cfg, err := host.DecodeConfig[Config](k.Config)
	if err != nil {
		return err
	}
	if m.set, err = resolve(cfg); err != nil {
		return err
	}
	if k.Forum == nil {
		return errors.New("echo: forum client is required")
	}
	if k.Bus == nil {
		return errors.New("echo: event bus is required")
	}
	m.kit = k
	m.store = k.Store
	if m.store == nil {
		m.store = storage.NewMemory()
	}

	events, unsubscribe := k.Bus.Subscribe(64)
	m.events = events
	k.Go("unsubscribe", func(ctx context.Context) error {
		<-ctx.Done()
		unsubscribe()
		return nil
	})

	_, err = k.Scheduler.Add(m.poll, schedule.Options{Name: "echo.poll"})
	return err
}

// poll handles at most one matching notification per run and skips when
// there is none.
func (m *Module) poll(ctx context.Context) (schedule.Result, error) {
	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return schedule.Done(), nil
			}
			if ev.Type != eventbus.ForumNotification {
				continue
			}
			n, ok := ev.Data.(forum.Notification)
			if !ok {
				continue
			}
			handled, err := m.handle(ctx, n)
			if err != nil {
				return schedule.Continue(), err
			}
			if handled {
				return schedule.Continue(), nil
			}
		default:
			return schedule.Skip(), nil
		}
	}
}

func (m *Module) handle(ctx context.Context, n forum.Notification) (bool, error) {
	if n.PostID <= 0 || n.TopicID <= 0 || !m.set.types[n.Type] {
		return false, nil
	}
	text, ok := ParseCommand(n.BodyLong, m.set.prefix)
	if !ok {
		if text, ok = ParseCommand(n.BodyShort, m.set.prefix); !ok {
			return false, nil
		}
	}

	key := fmt.Sprintf("echo:post:%d", n.PostID)
	if _, seen, err := m.store.GetDedup(ctx, key); err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	} else if seen {
		m.kit.Log.Debug("echo already answered", logx.Int64("pid", n.PostID))
		return false, nil
	}
	if err := m.store.PutDedup(ctx, key, m.kit.Clock.Now().Add(m.set.dedupTTL)); err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}

	tid, pid := n.TopicID, n.PostID
	m.kit.Actions.Enqueue(fmt.Sprintf("echo.reply:%d", pid), func(ctx context.Context) error {
		start := m.kit.Clock.Now()
		err := m.kit.Forum.Reply(ctx, tid, pid, text)
		e := storage.AuditEntry{
			Action: forum.EventReply,
			Target: fmt.Sprintf("topic:%d/post:%d", tid, pid),
			OK:     err == nil,
			TookMS: m.kit.Clock.Now().Sub(start).Milliseconds(),
		}
		if err != nil {
			e.Error = err.Error()
		} else {
			m.replied.Add(1)
		}
		m.kit.Audit(ctx, e)
		return err
	}, m.set.priority)
	return true, nil
}

// Replied returns the number of successful replies.
func (m *Module) Replied() uint64 { return m.replied.Load() }

// ParseCommand finds prefix in body (case-insensitive, at a word start) and
// returns the trimmed text after it on the same line.
func ParseCommand(body, prefix string) (string, bool) {
	if prefix == "" {
		return "", false
	}
	lower := asciiLower(body)
	p := asciiLower(prefix)
	from := 0
	for {
		i := strings.Index(lower[from:], p)
		if i < 0 {
			return "", false
		}
		i += from
		end := i + len(p)
		if (i == 0 || isSpace(body[i-1])) && (end == len(body) || isSpace(body[end])) {
			rest := body[end:]
			if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
				rest = rest[:nl]
			}
			rest = strings.TrimSpace(rest)
			if rest == "" {
				return "", false
			}
			if len(rest) > maxReplyLen {
				n := maxReplyLen
				for n > 0 && !utf8.RuneStart(rest[n]) {
					n--
				}
				rest = rest[:n]
			}
			return rest, true
		}
		from = end
	}
}

// asciiLower keeps byte offsets stable, unlike strings.ToLower.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
