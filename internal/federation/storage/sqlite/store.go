// Package sqlite provides a SQLite-backed federation storage
// implementation.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	sqlitemigrate "github.com/learningtapestry/ssdn-sub000/internal/platform/storage/sqlitemigrate"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/storage/sqlite/migrations"
)

// Store persists federation state in SQLite. Repositories are exposed as
// views over the shared handle since connections and requests answer to
// separate storage contracts.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
}

// ConnectionStore implements storage.ConnectionRepository.
type ConnectionStore struct {
	store *Store
}

// RequestStore implements storage.ConnectionRequestRepository.
type RequestStore struct {
	store *Store
}

// Connections returns the connection repository view.
func (s *Store) Connections() *ConnectionStore {
	return &ConnectionStore{store: s}
}

// Requests returns the connection-request repository view.
func (s *Store) Requests() *RequestStore {
	return &RequestStore{store: s}
}

// Open opens a SQLite federation store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, clock: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *Store) ready() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func marshalJSON(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(raw), nil
}

func unmarshalJSON(raw string, out any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}
