// Package sqlite is the embedded store of the engine: the same schema and
// repositories as the postgres package on a single SQLite file (or memory),
// for local runs and integration tests.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Store holds the database handle and hands out repositories.
type Store struct {
	db *sqlx.DB
}

// Open connects to the SQLite database at dsn, applies pragmas and creates
// the schema. A single connection is used: SQLite serialises writers anyway
// and an in-memory database lives only as long as its connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn != MemoryDSN {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply pragmas: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying handle for raw queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Attendance returns the attendance read repository.
func (s *Store) Attendance() *AttendanceRepository {
	return &AttendanceRepository{db: s.db}
}

// Badges returns the catalogue and ledger repository.
func (s *Store) Badges() *BadgeRepository {
	return &BadgeRepository{db: s.db}
}

// Events returns the student event log.
func (s *Store) Events() *EventRepository {
	return &EventRepository{db: s.db}
}

func applyPragmas(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Migrate creates every table that does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS students (
		id       TEXT PRIMARY KEY,
		program  TEXT NOT NULL DEFAULT '',
		year     INTEGER NOT NULL DEFAULT 0,
		semester INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS subjects (
		id   TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS enrollments (
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		subject_id TEXT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		PRIMARY KEY (student_id, subject_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		subject_id   TEXT NOT NULL REFERENCES subjects(id),
		session_date TEXT NOT NULL,
		status       TEXT NOT NULL CHECK (status IN ('scheduled', 'conducted', 'cancelled'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_subject_date ON sessions(subject_id, session_date)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		present    INTEGER NOT NULL,
		PRIMARY KEY (session_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS badges (
		code             TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		icon             TEXT NOT NULL DEFAULT '',
		criterion_type   TEXT NOT NULL,
		criterion_params TEXT NOT NULL DEFAULT '{}',
		position         INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS student_badges (
		id         TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
		badge_code TEXT NOT NULL REFERENCES badges(code),
		awarded_at TEXT NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		UNIQUE (student_id, badge_code)
	)`,
	`CREATE TABLE IF NOT EXISTS student_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id  TEXT NOT NULL,
		event_name  TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_student_events_lookup ON student_events(student_id, event_name)`,
}
