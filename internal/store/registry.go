package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cutterledger/internal/record"
)

// RegisterEntity creates an entity if ref is new.
// Re-registering an existing ref is a no-op: label and cadence are never
// overwritten. created reports whether a row was inserted.
func (s *Store) RegisterEntity(ctx context.Context, ref, label string, cadenceDays int) (created bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if ref == "" {
		return false, invalidArgument("entity.entity_ref", "entity reference is required")
	}
	if cadenceDays < 1 {
		return false, invalidArgument("entity.cadence_days", fmt.Sprintf("cadence_days must be >= 1, got %d", cadenceDays))
	}

	res, err := execGuarded(ctx, s.db, `
		INSERT INTO state__entities (entity_ref, entity_label, cadence_days, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_ref) DO NOTHING
	`, ref, nullString(label), cadenceDays, toMillis(s.now()))
	if err != nil {
		return false, fmt.Errorf("register entity: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("register entity: %w", err)
	}
	return n == 1, nil
}

// GetEntity returns the entity, or nil if ref is not registered.
func (s *Store) GetEntity(ctx context.Context, ref string) (*record.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_ref, entity_label, cadence_days, created_at
		FROM state__entities
		WHERE entity_ref = ?
	`, ref)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", translateError(err))
	}
	return &e, nil
}

// ListEntities returns every registered entity ordered by ref.
func (s *Store) ListEntities(ctx context.Context) ([]record.Entity, error) {
	return listEntities(ctx, s.db)
}

// AssignOwner opens an ownership row for entityRef.
//
// Fails with ErrOwnerAlreadyAssigned while an open row exists; the previous
// owner must be unassigned first. The check and the insert share one
// transaction, and the partial unique index on open rows settles races.
func (s *Store) AssignOwner(ctx context.Context, entityRef, ownerRef, assignedByRef string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := requireOwnerRefs(ownerRef, assignedByRef); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("assign owner: begin tx: %w", translateError(err))
	}
	defer tx.Rollback() // No-op if committed

	if err := requireEntity(ctx, tx, entityRef); err != nil {
		return 0, fmt.Errorf("assign owner: %w", err)
	}

	current, err := openAssignment(ctx, tx, entityRef)
	if err != nil {
		return 0, fmt.Errorf("assign owner: %w", err)
	}
	if current != nil {
		return 0, fmt.Errorf("assign owner: %w", ownerAlreadyAssigned(entityRef, current.OwnerRef))
	}

	id, err := insertAssignment(ctx, tx, entityRef, ownerRef, assignedByRef, s.now())
	if err != nil {
		return 0, fmt.Errorf("assign owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("assign owner: commit: %w", translateError(err))
	}
	return id, nil
}

// UnassignOwner closes the open ownership row of entityRef.
// This is the only mutation the ownership table accepts, and it applies once.
func (s *Store) UnassignOwner(ctx context.Context, entityRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unassign owner: begin tx: %w", translateError(err))
	}
	defer tx.Rollback() // No-op if committed

	if err := requireEntity(ctx, tx, entityRef); err != nil {
		return fmt.Errorf("unassign owner: %w", err)
	}

	if err := closeAssignment(ctx, tx, entityRef, s.now()); err != nil {
		return fmt.Errorf("unassign owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unassign owner: commit: %w", translateError(err))
	}
	return nil
}

// TransferOwner closes the current ownership and opens one for newOwnerRef
// in a single transaction, so the entity is never observed unowned.
// Fails with ErrNoCurrentOwner if there is nothing to transfer.
func (s *Store) TransferOwner(ctx context.Context, entityRef, newOwnerRef, assignedByRef string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := requireOwnerRefs(newOwnerRef, assignedByRef); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("transfer owner: begin tx: %w", translateError(err))
	}
	defer tx.Rollback() // No-op if committed

	if err := requireEntity(ctx, tx, entityRef); err != nil {
		return 0, fmt.Errorf("transfer owner: %w", err)
	}

	current, err := openAssignment(ctx, tx, entityRef)
	if err != nil {
		return 0, fmt.Errorf("transfer owner: %w", err)
	}
	if current == nil {
		return 0, fmt.Errorf("transfer owner: %w", noCurrentOwner(entityRef))
	}
	if current.OwnerRef == newOwnerRef {
		return 0, fmt.Errorf("transfer owner: %w", ownerAlreadyAssigned(entityRef, current.OwnerRef))
	}

	at := s.now()
	if err := closeAssignment(ctx, tx, entityRef, at); err != nil {
		return 0, fmt.Errorf("transfer owner: %w", err)
	}
	id, err := insertAssignment(ctx, tx, entityRef, newOwnerRef, assignedByRef, at)
	if err != nil {
		return 0, fmt.Errorf("transfer owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("transfer owner: commit: %w", translateError(err))
	}
	return id, nil
}

// CurrentOwner returns the owner of the open ownership row, if any.
func (s *Store) CurrentOwner(ctx context.Context, entityRef string) (string, bool, error) {
	a, err := openAssignment(ctx, s.db, entityRef)
	if err != nil {
		return "", false, fmt.Errorf("current owner: %w", err)
	}
	if a == nil {
		return "", false, nil
	}
	return a.OwnerRef, true, nil
}

// OwnershipHistory returns every ownership row of entityRef, oldest first.
func (s *Store) OwnershipHistory(ctx context.Context, entityRef string) ([]record.OwnershipAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM state__recognition_owners
		WHERE entity_ref = ?
		ORDER BY id ASC
	`, entityRef)
	if err != nil {
		return nil, fmt.Errorf("ownership history: %w", translateError(err))
	}
	defer rows.Close()

	return scanAssignments(rows)
}

const assignmentColumns = `id, entity_ref, owner_actor_ref, assigned_by_actor_ref, assigned_at, unassigned_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func requireOwnerRefs(ownerRef, assignedByRef string) error {
	if ownerRef == "" {
		return invalidArgument("ownership.owner_actor_ref", "owner reference is required")
	}
	if assignedByRef == "" {
		return invalidArgument("ownership.assigned_by_actor_ref", "assigning actor reference is required")
	}
	return nil
}

func requireEntity(ctx context.Context, q querier, ref string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM state__entities WHERE entity_ref = ?`, ref).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return newLedgerError(ErrUnknownEntity, "entity.registered",
			fmt.Sprintf("entity %q is not registered", ref), map[string]string{"entity_ref": ref})
	}
	if err != nil {
		return fmt.Errorf("check entity: %w", translateError(err))
	}
	return nil
}

func openAssignment(ctx context.Context, q querier, entityRef string) (*record.OwnershipAssignment, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM state__recognition_owners
		WHERE entity_ref = ? AND unassigned_at IS NULL
	`, entityRef)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read open ownership: %w", translateError(err))
	}
	return &a, nil
}

func insertAssignment(ctx context.Context, tx *sql.Tx, entityRef, ownerRef, byRef string, at time.Time) (int64, error) {
	res, err := execGuarded(ctx, tx, `
		INSERT INTO state__recognition_owners
		(entity_ref, owner_actor_ref, assigned_at, unassigned_at, assigned_by_actor_ref)
		VALUES (?, ?, ?, NULL, ?)
	`, entityRef, ownerRef, toMillis(at), byRef)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func closeAssignment(ctx context.Context, tx *sql.Tx, entityRef string, at time.Time) error {
	res, err := execGuarded(ctx, tx, `
		UPDATE state__recognition_owners
		SET unassigned_at = ?
		WHERE entity_ref = ? AND unassigned_at IS NULL
	`, toMillis(at), entityRef)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return noCurrentOwner(entityRef)
	}
	return nil
}

func ownerAlreadyAssigned(entityRef, owner string) *LedgerError {
	return newLedgerError(ErrOwnerAlreadyAssigned, "ownership.single_open",
		fmt.Sprintf("entity %q is already owned by %q; unassign first", entityRef, owner),
		map[string]string{"entity_ref": entityRef, "current_owner": owner})
}

func noCurrentOwner(entityRef string) *LedgerError {
	return newLedgerError(ErrNoCurrentOwner, "ownership.open_row",
		fmt.Sprintf("entity %q has no current owner", entityRef),
		map[string]string{"entity_ref": entityRef})
}

func listEntities(ctx context.Context, q querier) ([]record.Entity, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT entity_ref, entity_label, cadence_days, created_at
		FROM state__entities
		ORDER BY entity_ref ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", translateError(err))
	}
	defer rows.Close()

	entities := []record.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func scanEntity(row scanner) (record.Entity, error) {
	var (
		e         record.Entity
		label     sql.NullString
		createdAt int64
	)
	if err := row.Scan(&e.Ref, &label, &e.CadenceDays, &createdAt); err != nil {
		return record.Entity{}, err
	}
	e.Label = label.String
	e.CreatedAt = fromMillis(createdAt)
	return e, nil
}

func scanAssignment(row scanner) (record.OwnershipAssignment, error) {
	var (
		a            record.OwnershipAssignment
		assignedAt   int64
		unassignedAt sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.EntityRef, &a.OwnerRef, &a.AssignedByRef, &assignedAt, &unassignedAt); err != nil {
		return record.OwnershipAssignment{}, err
	}
	a.AssignedAt = fromMillis(assignedAt)
	a.UnassignedAt = fromNullMillis(unassignedAt)
	return a, nil
}

func scanAssignments(rows *sql.Rows) ([]record.OwnershipAssignment, error) {
	out := []record.OwnershipAssignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ownership: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
