package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/cutterledger/internal/record"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Schema version tracking (PRAGMA user_version):
// 0 - Empty database
// 1 - Legacy cutter__operational_events keyed by quote_id
// 2 - Event provenance columns
// 3 - Domain-agnostic cutter__events with hash chain and compatibility view
// 4 - State ledger: entities, ownership, declarations
// 5 - Declaration classification (no backfill)
// 6 - Declaration kind (historical rows default to RECLASSIFICATION)
// 7 - Declaration evidence references
// 8 - Insert guards against row displacement by INSERT OR REPLACE
const CurrentSchemaVersion = 8

// migration is one ordered schema step. file is executed first, then apply,
// all inside a single transaction together with the audit row.
type migration struct {
	version int
	name    string
	file    string
	apply   func(ctx context.Context, tx *sql.Tx) (rows int64, note string, err error)
}

var migrations = []migration{
	{version: 1, name: "operational_events", file: "001_operational_events.sql"},
	{version: 2, name: "event_provenance", file: "002_event_provenance.sql", apply: countRows("cutter__operational_events",
		"existing events keep NULL provenance")},
	{version: 3, name: "subject_ref", file: "003_subject_ref.sql", apply: copyForwardEvents},
	{version: 4, name: "state_ledger", file: "004_state_ledger.sql"},
	{version: 5, name: "declaration_classification", file: "005_declaration_classification.sql", apply: countRows("state__declarations",
		"existing declarations keep NULL classification; nothing synthesized")},
	{version: 6, name: "declaration_kind", file: "006_declaration_kind.sql", apply: countRows("state__declarations",
		"existing declarations take the documented default RECLASSIFICATION")},
	{version: 7, name: "declaration_evidence", file: "007_declaration_evidence.sql", apply: countRows("state__declarations",
		"existing declarations default to an empty evidence list")},
	{version: 8, name: "insert_guards", file: "008_insert_guards.sql", apply: noteOnly(
		"no rows changed; insert-displacement guards added")},
}

// MigrationRecord is one row of the migration audit log.
type MigrationRecord struct {
	Version      int       `json:"version"`
	Name         string    `json:"name"`
	AppliedAt    time.Time `json:"applied_at"`
	RowsAffected int64     `json:"rows_affected"`
	Note         string    `json:"note"`
}

const migrationLedgerSQL = `
CREATE TABLE IF NOT EXISTS ledger__migrations (
    version       INTEGER PRIMARY KEY,
    name          TEXT NOT NULL,
    applied_at    INTEGER NOT NULL,
    rows_affected INTEGER NOT NULL DEFAULT 0,
    note          TEXT NOT NULL DEFAULT ''
);

CREATE TRIGGER IF NOT EXISTS trg_migrations_no_update
BEFORE UPDATE ON ledger__migrations
BEGIN
    SELECT RAISE(ABORT, 'append-only violation: ledger__migrations rows are immutable');
END;

CREATE TRIGGER IF NOT EXISTS trg_migrations_no_delete
BEFORE DELETE ON ledger__migrations
BEGIN
    SELECT RAISE(ABORT, 'append-only violation: ledger__migrations rows are never deleted');
END;
`

// queryRower is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func schemaVersion(ctx context.Context, q queryRower) (int, error) {
	var version int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", translateError(err))
	}
	return version, nil
}

// migrateTo applies migrations sequentially up to target.
// Each step commits with its audit row and user_version, or not at all.
// Migrations are the one writer allowed to change the schema, so they run
// with the authorizer lifted on their connection.
func migrateTo(ctx context.Context, db *sql.DB, target int, clock func() time.Time, logger *slog.Logger) error {
	return withSchemaChanges(ctx, db, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, migrationLedgerSQL); err != nil {
			return fmt.Errorf("create migration ledger: %w", err)
		}

		version, err := schemaVersion(ctx, conn)
		if err != nil {
			return err
		}

		for _, m := range migrations {
			if m.version <= version || m.version > target {
				continue
			}
			if err := applyMigration(ctx, conn, m, clock); err != nil {
				return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
			}
			logger.Info("applied migration", "version", m.version, "name", m.name)
			version = m.version
		}
		return nil
	})
}

func applyMigration(ctx context.Context, conn *sql.Conn, m migration, clock func() time.Time) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return translateError(err)
	}
	defer tx.Rollback() // No-op if committed

	if m.file != "" {
		body, err := migrationFS.ReadFile("migrations/" + m.file)
		if err != nil {
			return fmt.Errorf("read %s: %w", m.file, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("exec %s: %w", m.file, err)
		}
	}

	var rows int64
	var note string
	if m.apply != nil {
		rows, note, err = m.apply(ctx, tx)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger__migrations (version, name, applied_at, rows_affected, note)
		VALUES (?, ?, ?, ?, ?)
	`, m.version, m.name, toMillis(clock()), rows, note)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return tx.Commit()
}

// noteOnly records a schema-only step that touches no rows.
func noteOnly(note string) func(ctx context.Context, tx *sql.Tx) (int64, string, error) {
	return func(context.Context, *sql.Tx) (int64, string, error) {
		return 0, note, nil
	}
}

// countRows records how many existing rows a column addition touched.
func countRows(table, note string) func(ctx context.Context, tx *sql.Tx) (int64, string, error) {
	return func(ctx context.Context, tx *sql.Tx) (int64, string, error) {
		var n int64
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return 0, "", fmt.Errorf("count %s: %w", table, err)
		}
		return n, note, nil
	}
}

// legacyTimeLayout is SQLite's CURRENT_TIMESTAMP format.
const legacyTimeLayout = "2006-01-02 15:04:05"

// copyForwardEvents moves every legacy row into cutter__events in id order,
// keeping ids, mapping quote_id to subject_ref and linking the hash chain.
// The legacy table is then archived behind a read-only view of its old shape.
func copyForwardEvents(ctx context.Context, tx *sql.Tx) (int64, string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, quote_id, event_data, created_at, ingested_by_service, ingested_by_version
		FROM cutter__operational_events
		ORDER BY id ASC
	`)
	if err != nil {
		return 0, "", fmt.Errorf("read legacy events: %w", err)
	}

	type legacyEvent struct {
		id        int64
		eventType string
		subject   string
		data      []byte
		createdAt time.Time
		prov      *record.Provenance
	}

	var legacy []legacyEvent
	for rows.Next() {
		var (
			e         legacyEvent
			quoteID   sql.NullInt64
			rawData   string
			createdAt string
			service   sql.NullString
			version   sql.NullString
		)
		if err := rows.Scan(&e.id, &e.eventType, &quoteID, &rawData, &createdAt, &service, &version); err != nil {
			rows.Close()
			return 0, "", fmt.Errorf("scan legacy event: %w", err)
		}

		if quoteID.Valid {
			e.subject = record.LegacyQuoteSubject(&quoteID.Int64)
		} else {
			e.subject = record.LegacyQuoteSubject(nil)
		}

		e.data, err = legacyPayload(rawData)
		if err != nil {
			rows.Close()
			return 0, "", fmt.Errorf("legacy event %d: %w", e.id, err)
		}

		e.createdAt, err = parseLegacyTime(createdAt)
		if err != nil {
			rows.Close()
			return 0, "", fmt.Errorf("legacy event %d: %w", e.id, err)
		}

		if service.Valid || version.Valid {
			e.prov = &record.Provenance{Service: service.String, Version: version.String}
		}
		legacy = append(legacy, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, "", fmt.Errorf("iterate legacy events: %w", err)
	}
	rows.Close()

	prev := record.GenesisHash
	for _, e := range legacy {
		hash, err := record.EventContentHash(e.eventType, e.subject, e.data, e.createdAt, e.prov, prev)
		if err != nil {
			return 0, "", err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cutter__events
			(id, event_type, subject_ref, event_data, created_at, ingested_by_service, ingested_by_version, prev_hash, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.id, e.eventType, e.subject, string(e.data), toMillis(e.createdAt),
			provService(e.prov), provVersion(e.prov), prev, hash)
		if err != nil {
			return 0, "", fmt.Errorf("copy legacy event %d: %w", e.id, err)
		}
		prev = hash
	}

	compat, err := migrationFS.ReadFile("migrations/003_subject_ref_compat.sql")
	if err != nil {
		return 0, "", fmt.Errorf("read compat view: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(compat)); err != nil {
		return 0, "", fmt.Errorf("create compat view: %w", err)
	}

	return int64(len(legacy)), "quote_id NULL -> unknown, otherwise quote:{quote_id}; legacy rows archived in cutter__operational_events_v1", nil
}

// legacyPayload canonicalizes legacy event_data. Text that is not JSON is
// kept verbatim as a JSON string.
func legacyPayload(raw string) ([]byte, error) {
	if raw == "" {
		return []byte("{}"), nil
	}
	if canon, err := record.Canonicalize([]byte(raw)); err == nil {
		return canon, nil
	}
	return record.MarshalCanonical(raw)
}

func parseLegacyTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(legacyTimeLayout, s, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable created_at %q", s)
	}
	return t.UTC(), nil
}

// Migrations returns the migration audit log in version order.
func (s *Store) Migrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, name, applied_at, rows_affected, note
		FROM ledger__migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", translateError(err))
	}
	defer rows.Close()

	records := []MigrationRecord{}
	for rows.Next() {
		var r MigrationRecord
		var appliedAt int64
		if err := rows.Scan(&r.Version, &r.Name, &appliedAt, &r.RowsAffected, &r.Note); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		r.AppliedAt = fromMillis(appliedAt)
		records = append(records, r)
	}
	return records, rows.Err()
}
