package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

const memoryAuditCap = 1000

// Memory is an in-process Store. Audit entries are kept in a bounded ring.
type Memory struct {
	mu     sync.Mutex
	dedup  map[string]time.Time
	audit  []AuditEntry
	closed bool
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{dedup: map[string]time.Time{}, now: time.Now}
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = m.now()
	}
	if len(m.audit) >= memoryAuditCap {
		copy(m.audit, m.audit[1:])
		m.audit = m.audit[:len(m.audit)-1]
	}
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisabled
	}
	m.dedup[key] = until
	if len(m.dedup)%256 == 0 {
		m.pruneLocked()
	}
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrDisabled
	}
	until, ok := m.dedup[key]
	if !ok || until.Before(m.now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Audit returns a copy of the retained audit entries, oldest first.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) pruneLocked() {
	now := m.now()
	for k, until := range m.dedup {
		if until.Before(now) {
			delete(m.dedup, k)
		}
	}
}
