package record

import (
	"encoding/json"
	"strings"
	"time"
)

// Provenance identifies the service that ingested an event.
type Provenance struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// Event is one committed row of the event ledger.
//
// SubjectRef is an opaque "kind:id" string. It is never a foreign key, so the
// ledger outlives whatever upstream record it describes.
type Event struct {
	ID          int64           `json:"id"`
	Type        string          `json:"event_type"`
	SubjectRef  string          `json:"subject_ref"`
	Data        json.RawMessage `json:"event_data"`
	CreatedAt   time.Time       `json:"created_at"`
	Provenance  *Provenance     `json:"provenance,omitempty"`
	PrevHash    string          `json:"prev_hash"`
	ContentHash string          `json:"content_hash"`
}

// Entity is anything eligible to carry declared state.
type Entity struct {
	Ref         string    `json:"entity_ref"`
	Label       string    `json:"entity_label,omitempty"`
	CadenceDays int       `json:"cadence_days"`
	CreatedAt   time.Time `json:"created_at"`
}

// Cadence returns the expected interval between declarations.
func (e Entity) Cadence() time.Duration {
	return time.Duration(e.CadenceDays) * 24 * time.Hour
}

// DefaultCadenceDays is used when a caller registers an entity without a cadence.
const DefaultCadenceDays = 7

// OwnershipAssignment is one row of the ownership registry.
// A row is open while UnassignedAt is nil.
type OwnershipAssignment struct {
	ID            int64      `json:"id"`
	EntityRef     string     `json:"entity_ref"`
	OwnerRef      string     `json:"owner_actor_ref"`
	AssignedByRef string     `json:"assigned_by_actor_ref"`
	AssignedAt    time.Time  `json:"assigned_at"`
	UnassignedAt  *time.Time `json:"unassigned_at,omitempty"`
}

// IsOpen reports whether the assignment is the entity's current ownership.
func (a OwnershipAssignment) IsOpen() bool {
	return a.UnassignedAt == nil
}

// DeclarationKind tags a declaration as continuing or replacing prior state.
type DeclarationKind string

const (
	KindReaffirmation    DeclarationKind = "REAFFIRMATION"
	KindReclassification DeclarationKind = "RECLASSIFICATION"
)

// Valid reports whether k is one of the two enumerated kinds.
func (k DeclarationKind) Valid() bool {
	return k == KindReaffirmation || k == KindReclassification
}

// ParseDeclarationKind accepts the enumerated values case-insensitively.
func ParseDeclarationKind(s string) (DeclarationKind, bool) {
	k := DeclarationKind(strings.ToUpper(strings.TrimSpace(s)))
	return k, k.Valid()
}

// Declaration is one explicit state assertion for an entity and scope.
type Declaration struct {
	ID             int64           `json:"declaration_id"`
	EntityRef      string          `json:"entity_ref"`
	ScopeRef       string          `json:"scope_ref"`
	StateText      string          `json:"state_text"`
	Classification *string         `json:"classification,omitempty"`
	DeclaredByRef  string          `json:"declared_by_actor_ref"`
	DeclaredAt     time.Time       `json:"declared_at"`
	Supersedes     *int64          `json:"supersedes_declaration_id,omitempty"`
	EvidenceRefs   []string        `json:"evidence_refs"`
	Kind           DeclarationKind `json:"declaration_kind"`
}

// ClassificationOrEmpty returns the classification, or "" when unset.
func (d Declaration) ClassificationOrEmpty() string {
	if d.Classification == nil {
		return ""
	}
	return *d.Classification
}

// DeclarationInput carries the caller-supplied fields of a new declaration.
// The store assigns ID and DeclaredAt.
type DeclarationInput struct {
	EntityRef      string
	ScopeRef       string
	StateText      string
	Classification *string
	DeclaredByRef  string
	Kind           DeclarationKind
	Supersedes     *int64
	EvidenceRefs   []string
}

// Snapshot is a consistent read of the state ledger.
// Slices are ordered: entities by ref, ownerships and declarations by id.
type Snapshot struct {
	Entities       []Entity
	OpenOwnerships []OwnershipAssignment
	Declarations   []Declaration
	// Events holds the Cutter Ledger events a cross-ledger view asked for,
	// in created_at order. It is nil in a State Ledger snapshot.
	Events []Event
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
