// Package storage persists the relay's durable state in SQLite: registered
// credentials, the authentication audit log and the conversation log.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// DefaultDBFileName is used when the configured path is a directory.
const DefaultDBFileName = "chat.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  login         TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS auth_log (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  login     TEXT NOT NULL,
  event     TEXT NOT NULL CHECK(event IN ('register','login','logout','disconnected')),
  timestamp INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS chat_log (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  sender    TEXT NOT NULL,
  receiver  TEXT NOT NULL,
  message   TEXT NOT NULL,
  timestamp INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_auth_log_login_time
ON auth_log (login, timestamp, id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_chat_log_sender_time
ON chat_log (sender, timestamp, id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_chat_log_receiver_time
ON chat_log (receiver, timestamp, id);
`,
}

// Store is a thin wrapper around a SQLite connection pool. It is safe for
// concurrent use; every append is a single committed statement.
type Store struct {
	db *sql.DB

	passwordCost int
	closeOnce    sync.Once

	// clockMu guards lastTimestamp; log timestamps never go backwards even
	// if the wall clock does.
	clockMu       sync.Mutex
	now           func() time.Time
	lastTimestamp int64
}

// Open opens (or creates) the database at path and runs migrations. A path
// naming an existing directory gets DefaultDBFileName inside it.
func Open(path string) (*Store, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultDBFileName)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:           db,
		passwordCost: bcrypt.DefaultCost,
		now:          time.Now,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.loadLastTimestamp(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// SetPasswordCost configures the bcrypt cost used for new credentials.
// Out-of-range values fall back to bcrypt.DefaultCost.
func (s *Store) SetPasswordCost(cost int) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	s.passwordCost = cost
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// loadLastTimestamp seeds the log clock with the newest stored timestamp so
// that entries appended after a restart still sort after earlier ones.
func (s *Store) loadLastTimestamp() error {
	var last sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(ts) FROM (
			SELECT MAX(timestamp) AS ts FROM chat_log
			UNION ALL
			SELECT MAX(timestamp) AS ts FROM auth_log
		)`,
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("load last log timestamp: %w", err)
	}
	s.lastTimestamp = last.Int64
	return nil
}

// nextTimestamp returns the current time in Unix nanoseconds, bumped past
// the previous value when the wall clock has not advanced.
func (s *Store) nextTimestamp() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	ts := s.now().UnixNano()
	if ts <= s.lastTimestamp {
		ts = s.lastTimestamp + 1
	}
	s.lastTimestamp = ts
	return ts
}
