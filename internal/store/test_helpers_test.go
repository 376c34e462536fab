package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/cutterledger/internal/record"
)

// testClock is a settable clock for store tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestStoreAt is createTestStore that also returns the database path.
func createTestStoreAt(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

// openUnguarded opens path with the stock sqlite3 driver: no write-path guard
// and no authorizer, only the schema's own triggers and constraints.
func openUnguarded(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createClockedStore creates a store stamped by a test clock.
func createClockedStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	return createTestStore(t, WithClock(clock.Now)), clock
}

// mustRegister registers an entity with the default cadence.
func mustRegister(t *testing.T, s *Store, ref string) {
	t.Helper()
	if _, err := s.RegisterEntity(context.Background(), ref, "", record.DefaultCadenceDays); err != nil {
		t.Fatalf("RegisterEntity(%q) failed: %v", ref, err)
	}
}

// declaration builds a valid declaration input for entityRef.
func declaration(entityRef string, kind record.DeclarationKind, classification string) record.DeclarationInput {
	return record.DeclarationInput{
		EntityRef:      entityRef,
		ScopeRef:       "status",
		StateText:      "running as planned",
		Classification: record.StringPtr(classification),
		DeclaredByRef:  "alice",
		Kind:           kind,
	}
}
