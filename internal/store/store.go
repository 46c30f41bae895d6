package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const currentVersion = 1

var (
	// ErrNotFound is returned when a task or list does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTask is returned when task or list input fails validation.
	ErrInvalidTask = errors.New("invalid task")
)

type Store struct {
	db *sql.DB

	mu     sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	// Configure pragmas.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, subs: make(map[int]func(Change))}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.ensureDeviceID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory() (*Store, error) {
	return New(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe registers fn to be called after every successful mutation that
// changes synced data. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) ensureDeviceID() error {
	id, err := s.GetSetting(context.Background(), SettingDeviceID)
	if err != nil {
		return err
	}
	if id != "" {
		return nil
	}
	if err := s.SetSetting(context.Background(), SettingDeviceID, uuid.NewString()); err != nil {
		return fmt.Errorf("set device id: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version >= currentVersion {
		return nil
	}

	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}

	_, err = s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

func (s *Store) migrateV1() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS task_lists (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		list_id           INTEGER REFERENCES task_lists(id) ON DELETE CASCADE,
		title             TEXT NOT NULL,
		duration_seconds  INTEGER NOT NULL CHECK (duration_seconds > 0),
		sort_order        INTEGER NOT NULL DEFAULT 0,
		completed         INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
		updated_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_list_order ON tasks(list_id, sort_order);

	CREATE TABLE IF NOT EXISTS completion_log (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		date              TEXT NOT NULL,
		title             TEXT NOT NULL,
		duration_seconds  INTEGER NOT NULL DEFAULT 0,
		completed_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
	);

	CREATE INDEX IF NOT EXISTS idx_completion_date ON completion_log(date);

	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO settings (key, value) VALUES
		('device_id',        ''),
		('last_updated',     ''),
		('current_list_id',  '0'),
		('dark_mode',        'true'),
		('last_daily_reset', '');
	`
	_, err := s.db.Exec(ddl)
	return err
}

// DefaultDBPath returns ~/.config/doflow/doflow.db
func DefaultDBPath() (string, error) {
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg, "doflow", "doflow.db"), nil
}
