package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/cutterledger/internal/record"
)

// Snapshot reads entities, open ownerships and declarations in one
// transaction, so derived views never mix two commits.
func (s *Store) Snapshot(ctx context.Context) (*record.Snapshot, error) {
	return s.snapshot(ctx, nil)
}

// SnapshotWithEvents is Snapshot plus every Cutter Ledger event of the given
// types, read in the same transaction. Views that join a declaration to the
// event that closes it see both ledgers at one commit.
func (s *Store) SnapshotWithEvents(ctx context.Context, eventTypes ...string) (*record.Snapshot, error) {
	if len(eventTypes) == 0 {
		return nil, invalidArgument("snapshot.event_types", "at least one event type is required")
	}
	return s.snapshot(ctx, eventTypes)
}

func (s *Store) snapshot(ctx context.Context, eventTypes []string) (*record.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("snapshot: begin tx: %w", translateError(err))
	}
	defer tx.Rollback() // Read-only; nothing to commit

	entities, err := listEntities(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM state__recognition_owners
		WHERE unassigned_at IS NULL
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open ownerships: %w", translateError(err))
	}
	owners, err := scanAssignments(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	decls, err := listDeclarations(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	snap := &record.Snapshot{
		Entities:       entities,
		OpenOwnerships: owners,
		Declarations:   decls,
	}
	if eventTypes != nil {
		if snap.Events, err = eventsOfTypes(ctx, tx, eventTypes); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
	}
	return snap, nil
}

func eventsOfTypes(ctx context.Context, q querier, eventTypes []string) ([]record.Event, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(eventTypes)), ", ")
	args := make([]any, len(eventTypes))
	for i, t := range eventTypes {
		args[i] = t
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM cutter__events
		WHERE event_type IN (`+placeholders+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("events of types: %w", translateError(err))
	}
	defer rows.Close()

	return scanEvents(rows)
}
