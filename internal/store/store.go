// Package store persists licenses, activation slots, API keys, admins, and
// the audit log, backed by SQLite (default) or PostgreSQL. All mutations that
// must hold invariants run inside a single transaction together with their
// audit entry, so an operation either fully commits or fully rolls back.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the backing database. With DriverSQLite, DataDir names the
// directory for keyforge.db (empty string for in-memory). With DriverPostgres,
// DSN is a pgx connection string.
type Options struct {
	Driver  string
	DataDir string
	DSN     string
}

// Store manages Keyforge's persistent state.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the configured database and applies migrations. Pass a
// zero Options for an in-memory SQLite store (used by tests).
func Open(opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch opts.Driver {
	case DriverSQLite:
		var dsn string
		if opts.DataDir == "" {
			dsn = ":memory:?_journal_mode=WAL"
		} else {
			if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(opts.DataDir, "keyforge.db") + "?_journal_mode=WAL&_busy_timeout=5000"
		}
		db, err = sqlx.Connect("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

		// Enable foreign keys (off by default in SQLite); slot cascade delete
		// and the audit SET NULL depend on them.
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}

	case DriverPostgres:
		db, err = sqlx.Connect("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)

	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}

	s := &Store{db: db, driver: opts.Driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind converts '?' placeholders to the driver's bind style.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// HashKey returns the hex-encoded SHA-256 hash of a raw server key string.
// Raw keys are never persisted; lookups go through this hash.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
