package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/cutterledger/internal/record"
)

const declarationColumns = `declaration_id, entity_ref, scope_ref, state_text, classification,
	declared_by_actor_ref, declared_at, supersedes_declaration_id, evidence_refs_json, declaration_kind`

// DeclarationFilter narrows ListDeclarations. Zero fields match everything.
type DeclarationFilter struct {
	EntityRef     string
	ScopeRef      string
	DeclaredByRef string
	Limit         int
}

// DeclareOption adjusts a single Declare call.
type DeclareOption func(*declareOptions)

type declareOptions struct {
	ownerCheck func(ownerRef string, owned bool) error
}

// WithOwnerCheck runs check against the entity's current owner inside the
// declaring transaction. The transaction holds the write lock, so no
// ownership change can land between the check and the insert. A non-nil
// result aborts the declaration and is returned as is.
func WithOwnerCheck(check func(ownerRef string, owned bool) error) DeclareOption {
	return func(o *declareOptions) {
		o.ownerCheck = check
	}
}

// Declare appends a declaration and returns its id.
//
// The entity must already be registered; Declare never creates one. A
// correction is a new declaration that names the old one in Supersedes.
func (s *Store) Declare(ctx context.Context, in record.DeclarationInput, opts ...DeclareOption) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var o declareOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !in.Kind.Valid() {
		return 0, newLedgerError(ErrInvalidDeclarationKind, "declaration.kind",
			fmt.Sprintf("declaration kind %q is not REAFFIRMATION or RECLASSIFICATION", in.Kind),
			map[string]string{"kind": string(in.Kind)})
	}
	if err := validateDeclaration(in); err != nil {
		return 0, err
	}

	evidence := in.EvidenceRefs
	if evidence == nil {
		evidence = []string{}
	}
	evidenceJSON, err := record.MarshalCanonical(evidence)
	if err != nil {
		return 0, invalidArgument("declaration.evidence_refs", err.Error())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("declare: begin tx: %w", translateError(err))
	}
	defer tx.Rollback() // No-op if committed

	if err := requireEntity(ctx, tx, in.EntityRef); err != nil {
		return 0, fmt.Errorf("declare: %w", err)
	}

	if o.ownerCheck != nil {
		a, err := openAssignment(ctx, tx, in.EntityRef)
		if err != nil {
			return 0, fmt.Errorf("declare: %w", err)
		}
		var check error
		if a == nil {
			check = o.ownerCheck("", false)
		} else {
			check = o.ownerCheck(a.OwnerRef, true)
		}
		if check != nil {
			return 0, check
		}
	}

	if in.Supersedes != nil {
		if err := requireDeclaration(ctx, tx, *in.Supersedes); err != nil {
			return 0, fmt.Errorf("declare: %w", err)
		}
	}

	res, err := execGuarded(ctx, tx, `
		INSERT INTO state__declarations
		(entity_ref, scope_ref, state_text, classification, declared_by_actor_ref,
		 declared_at, supersedes_declaration_id, evidence_refs_json, declaration_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		in.EntityRef,
		in.ScopeRef,
		in.StateText,
		nullStringPtr(in.Classification),
		in.DeclaredByRef,
		toMillis(s.now()),
		nullInt64Ptr(in.Supersedes),
		string(evidenceJSON),
		string(in.Kind),
	)
	if err != nil {
		return 0, fmt.Errorf("declare: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("declare: get id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("declare: commit: %w", translateError(err))
	}
	return id, nil
}

// GetDeclaration returns a declaration by id, or nil if it does not exist.
func (s *Store) GetDeclaration(ctx context.Context, id int64) (*record.Declaration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+declarationColumns+` FROM state__declarations WHERE declaration_id = ?`, id)
	d, err := scanDeclaration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get declaration: %w", translateError(err))
	}
	return &d, nil
}

// ListDeclarations returns matching declarations, newest first.
func (s *Store) ListDeclarations(ctx context.Context, f DeclarationFilter) ([]record.Declaration, error) {
	query := `SELECT ` + declarationColumns + ` FROM state__declarations WHERE 1 = 1`
	var args []any
	if f.EntityRef != "" {
		query += ` AND entity_ref = ?`
		args = append(args, f.EntityRef)
	}
	if f.ScopeRef != "" {
		query += ` AND scope_ref = ?`
		args = append(args, f.ScopeRef)
	}
	if f.DeclaredByRef != "" {
		query += ` AND declared_by_actor_ref = ?`
		args = append(args, f.DeclaredByRef)
	}
	query += ` ORDER BY declaration_id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list declarations: %w", translateError(err))
	}
	defer rows.Close()

	return scanDeclarations(rows)
}

func validateDeclaration(in record.DeclarationInput) error {
	switch {
	case in.EntityRef == "":
		return invalidArgument("declaration.entity_ref", "entity reference is required")
	case in.ScopeRef == "":
		return invalidArgument("declaration.scope_ref", "scope reference is required")
	case in.StateText == "":
		return invalidArgument("declaration.state_text", "state text is required")
	case in.DeclaredByRef == "":
		return invalidArgument("declaration.declared_by_actor_ref", "declaring actor reference is required")
	}
	for i, ref := range in.EvidenceRefs {
		if ref == "" {
			return invalidArgument("declaration.evidence_refs", fmt.Sprintf("evidence reference %d is empty", i))
		}
	}
	return nil
}

func requireDeclaration(ctx context.Context, q querier, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM state__declarations WHERE declaration_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return newLedgerError(ErrUnknownSupersedes, "declaration.supersedes",
			fmt.Sprintf("superseded declaration %d does not exist", id),
			map[string]string{"supersedes_declaration_id": strconv.FormatInt(id, 10)})
	}
	if err != nil {
		return fmt.Errorf("check superseded declaration: %w", translateError(err))
	}
	return nil
}

func listDeclarations(ctx context.Context, q querier) ([]record.Declaration, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+declarationColumns+` FROM state__declarations ORDER BY declaration_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list declarations: %w", translateError(err))
	}
	defer rows.Close()

	return scanDeclarations(rows)
}

func scanDeclaration(row scanner) (record.Declaration, error) {
	var (
		d              record.Declaration
		classification sql.NullString
		declaredAt     int64
		supersedes     sql.NullInt64
		evidence       string
		kind           string
	)
	if err := row.Scan(&d.ID, &d.EntityRef, &d.ScopeRef, &d.StateText, &classification,
		&d.DeclaredByRef, &declaredAt, &supersedes, &evidence, &kind); err != nil {
		return record.Declaration{}, err
	}
	if classification.Valid {
		c := classification.String
		d.Classification = &c
	}
	d.DeclaredAt = fromMillis(declaredAt)
	if supersedes.Valid {
		id := supersedes.Int64
		d.Supersedes = &id
	}
	d.EvidenceRefs = []string{}
	if err := json.Unmarshal([]byte(evidence), &d.EvidenceRefs); err != nil {
		return record.Declaration{}, fmt.Errorf("declaration %d: decode evidence_refs_json: %w", d.ID, err)
	}
	d.Kind = record.DeclarationKind(kind)
	return d, nil
}

func scanDeclarations(rows *sql.Rows) ([]record.Declaration, error) {
	out := []record.Declaration{}
	for rows.Next() {
		d, err := scanDeclaration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan declaration: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate declarations: %w", translateError(err))
	}
	return out, nil
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
