package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "crosspost/pkg/logx"
)

var ErrNotFound = errors.New("not found")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type Store struct {
	db  *sql.DB
	log logx.Logger

	locks keyedMutex
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := Migrate(cfg.Path); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db, log: log, locks: keyedMutex{m: map[int64]*lockEntry{}}}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// keyedMutex hands out one mutex per post ID. Entries are reference
// counted and removed when the last holder unlocks, so the map stays
// bounded by the number of posts currently being written.
type keyedMutex struct {
	mu sync.Mutex
	m  map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id int64) (unlock func()) {
	k.mu.Lock()
	e := k.m[id]
	if e == nil {
		e = &lockEntry{}
		k.m[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs <= 0 {
			delete(k.m, id)
		}
		k.mu.Unlock()
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func strOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
