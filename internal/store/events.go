package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/roach88/cutterledger/internal/record"
)

const eventColumns = `id, event_type, subject_ref, event_data, created_at,
	ingested_by_service, ingested_by_version, prev_hash, content_hash`

// AppendEvent records an event and returns its id.
//
// subjectRef is opaque; it is never checked against any table. The payload is
// stored as canonical JSON (see record.EncodePayload). The row is linked to the
// previous event through prev_hash inside the same transaction, so the chain
// head can never fork.
func (s *Store) AppendEvent(ctx context.Context, eventType, subjectRef string, payload any, prov *record.Provenance) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if eventType == "" {
		return 0, invalidArgument("event.event_type", "event type is required")
	}
	if subjectRef == "" {
		return 0, invalidArgument("event.subject_ref", "subject reference is required")
	}

	data, err := record.EncodePayload(payload)
	if err != nil {
		return 0, invalidArgument("event.event_data", err.Error())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append event: begin tx: %w", translateError(err))
	}
	defer tx.Rollback() // No-op if committed

	prev, err := chainHead(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	createdAt := s.now()
	hash, err := record.EventContentHash(eventType, subjectRef, data, createdAt, prov, prev)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	res, err := execGuarded(ctx, tx, `
		INSERT INTO cutter__events
		(event_type, subject_ref, event_data, created_at, ingested_by_service, ingested_by_version, prev_hash, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		eventType,
		subjectRef,
		string(data),
		toMillis(createdAt),
		provService(prov),
		provVersion(prov),
		prev,
		hash,
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event: get id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append event: commit: %w", translateError(err))
	}

	return id, nil
}

// EventsBySubject returns every event about subjectRef, oldest first.
// An unknown subject yields an empty slice.
func (s *Store) EventsBySubject(ctx context.Context, subjectRef string) ([]record.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM cutter__events
		WHERE subject_ref = ?
		ORDER BY id ASC
	`, subjectRef)
	if err != nil {
		return nil, fmt.Errorf("query events by subject: %w", translateError(err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsByType returns events of eventType created at or after since, in
// commit order. A zero since returns the whole history.
func (s *Store) EventsByType(ctx context.Context, eventType string, since time.Time) ([]record.Event, error) {
	sinceMs := int64(math.MinInt64)
	if !since.IsZero() {
		sinceMs = toMillis(since)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM cutter__events
		WHERE event_type = ? AND created_at >= ?
		ORDER BY id ASC
	`, eventType, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("query events by type: %w", translateError(err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// RecentEvents returns the latest limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]record.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM cutter__events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", translateError(err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetEvent returns one event by id, or nil if it does not exist.
func (s *Store) GetEvent(ctx context.Context, id int64) (*record.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM cutter__events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", translateError(err))
	}
	return &e, nil
}

// chainHead returns the content hash of the newest event, or the genesis hash.
func chainHead(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (string, error) {
	var head string
	err := q.QueryRowContext(ctx, `SELECT content_hash FROM cutter__events ORDER BY id DESC LIMIT 1`).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return record.GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", translateError(err))
	}
	return head, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (record.Event, error) {
	var (
		e         record.Event
		data      string
		createdAt int64
		service   sql.NullString
		version   sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Type, &e.SubjectRef, &data, &createdAt, &service, &version, &e.PrevHash, &e.ContentHash); err != nil {
		return record.Event{}, err
	}
	e.Data = []byte(data)
	e.CreatedAt = fromMillis(createdAt)
	if service.Valid || version.Valid {
		e.Provenance = &record.Provenance{Service: service.String, Version: version.String}
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]record.Event, error) {
	events := []record.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", translateError(err))
	}
	return events, nil
}

func provService(p *record.Provenance) any {
	if p == nil {
		return nil
	}
	return p.Service
}

func provVersion(p *record.Provenance) any {
	if p == nil {
		return nil
	}
	return p.Version
}
