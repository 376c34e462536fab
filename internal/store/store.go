package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"
)

// Store provides durable storage for the Cutter Ledger and State Ledger.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db       *sql.DB
	clock    func() time.Time
	logger   *slog.Logger
	readOnly bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock that stamps created_at, assigned_at and
// declared_at. Callers never supply timestamps themselves.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger used for migration and storage diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//   - IMMEDIATE transactions so writers take the lock before reading the chain head
//   - An authorizer that refuses mutation of committed rows on every connection
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	s := newStore(opts)

	db, err := openDB(dsnFor(path, false))
	if err != nil {
		return nil, err
	}

	if err := migrateTo(context.Background(), db, CurrentSchemaVersion, s.clock, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.db = db
	return s, nil
}

// OpenReadOnly opens an existing database for queries only.
// It never creates a file and fails if the schema is not current.
func OpenReadOnly(path string, opts ...Option) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newLedgerError(ErrStorageUnavailable, "storage.missing",
				fmt.Sprintf("database not found: %s", path), map[string]string{"path": path})
		}
		return nil, fmt.Errorf("failed to stat database: %w", err)
	}

	s := newStore(opts)
	s.readOnly = true

	db, err := openDB(dsnFor(path, true))
	if err != nil {
		return nil, err
	}

	version, err := schemaVersion(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if version != CurrentSchemaVersion {
		db.Close()
		return nil, fmt.Errorf("database schema version %d, expected %d: run migrate first", version, CurrentSchemaVersion)
	}

	s.db = db
	return s, nil
}

func newStore(opts []Option) *Store {
	s := &Store{
		clock:  time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// dsnFor puts every connection pragma in the DSN so the driver applies it to
// each connection the pool opens, not just the first.
// recursive_triggers makes REPLACE conflict deletions fire the no-delete triggers.
// journal_mode cannot be changed on a read-only connection, so it is skipped there.
func dsnFor(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "1")
	params.Set("_recursive_triggers", "1")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_txlock", "immediate")
		params.Set("_journal_mode", "WAL")
		params.Set("_synchronous", "NORMAL")
	}
	if path == ":memory:" {
		return path + "?" + params.Encode()
	}
	return "file:" + path + "?" + params.Encode()
}

func openDB(dsn string) (*sql.DB, error) {
	db := sql.OpenDB(connector{dsn: dsn})

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, translateError(fmt.Errorf("failed to connect to database: %w", err))
	}

	// SQLite only supports one writer at a time. A single pooled connection
	// serializes in-process writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Storage triggers still reject mutation of committed rows made through it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ReadOnly reports whether the store was opened with OpenReadOnly.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// now returns the store clock in UTC at the millisecond precision stored on disk.
func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}
