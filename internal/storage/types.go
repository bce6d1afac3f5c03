package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one action the bot performed on the forum.
type AuditEntry struct {
	At       time.Time
	Module   string
	Action   string
	Target   string // e.g. "topic:12/post:345"
	OK       bool
	Error    string
	TookMS   int64
	MetaJSON string
}

// Store is the persistence API handed to modules.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// PutDedup remembers key until the given time.
	PutDedup(ctx context.Context, key string, until time.Time) error
	// GetDedup reports whether key is remembered and still valid.
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}
