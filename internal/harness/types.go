package harness

import (
	"time"

	"github.com/roach88/cutterledger/internal/record"
	"github.com/roach88/cutterledger/internal/views"
)

// StepOutcome records how one step ended.
type StepOutcome struct {
	Op      string `json:"op"`
	Outcome string `json:"outcome"`
}

// DeferredRow is one deferred entity in a Snapshot.
type DeferredRow struct {
	EntityRef      string  `json:"entity_ref"`
	LastDeclaredAt *string `json:"last_declared_at"`
	ElapsedHours   int64   `json:"elapsed_hours"`
}

// StreakRow is one continuity streak in a Snapshot.
type StreakRow struct {
	EntityRef         string  `json:"entity_ref"`
	ScopeRef          string  `json:"scope_ref"`
	Classification    *string `json:"classification"`
	Count             int     `json:"count"`
	FirstReaffirmedAt string  `json:"first_reaffirmed_at"`
	LastReaffirmedAt  string  `json:"last_reaffirmed_at"`
}

// StateRow is the current declaration of one lineage in a Snapshot.
type StateRow struct {
	DeclarationID  int64   `json:"declaration_id"`
	EntityRef      string  `json:"entity_ref"`
	ScopeRef       string  `json:"scope_ref"`
	Kind           string  `json:"declaration_kind"`
	Classification *string `json:"classification"`
	StateText      string  `json:"state_text"`
	DeclaredAt     string  `json:"declared_at"`
	ElapsedHours   int64   `json:"elapsed_hours"`
}

// Snapshot is the final state of a scenario run. It holds only values that
// are deterministic under the fake clock, so it can be golden-compared.
type Snapshot struct {
	Scenario string            `json:"scenario"`
	At       string            `json:"at"`
	Steps    []StepOutcome     `json:"steps"`
	Unowned  []string          `json:"unowned"`
	Deferred []DeferredRow     `json:"deferred"`
	Streaks  []StreakRow       `json:"streaks"`
	States   []StateRow        `json:"states"`
	Owners   map[string]string `json:"owners"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// RunID identifies this run in logs. It is not part of the snapshot.
	RunID string `json:"run_id"`

	// Pass is true when every step and expectation matched.
	Pass bool `json:"pass"`

	// Errors describes each mismatch. Empty if Pass is true.
	Errors []string `json:"errors"`

	Snapshot *Snapshot `json:"snapshot"`
}

// NewResult creates a passing result.
func NewResult(runID string) *Result {
	return &Result{RunID: runID, Pass: true, Errors: []string{}}
}

// AddError records a mismatch and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func hours(d time.Duration) int64 {
	return int64(d / time.Hour)
}

func deferredRows(in []views.DeferredEntity) []DeferredRow {
	out := make([]DeferredRow, 0, len(in))
	for _, d := range in {
		row := DeferredRow{EntityRef: d.Entity.Ref, ElapsedHours: hours(d.Elapsed)}
		if d.LastDeclaredAt != nil {
			s := formatTime(*d.LastDeclaredAt)
			row.LastDeclaredAt = &s
		}
		out = append(out, row)
	}
	return out
}

func streakRows(in []views.Streak) []StreakRow {
	out := make([]StreakRow, 0, len(in))
	for _, s := range in {
		out = append(out, StreakRow{
			EntityRef:         s.EntityRef,
			ScopeRef:          s.ScopeRef,
			Classification:    s.Classification,
			Count:             s.Count,
			FirstReaffirmedAt: formatTime(s.FirstReaffirmedAt),
			LastReaffirmedAt:  formatTime(s.LastReaffirmedAt),
		})
	}
	return out
}

func stateRows(in []views.StateAge) []StateRow {
	out := make([]StateRow, 0, len(in))
	for _, a := range in {
		out = append(out, StateRow{
			DeclarationID:  a.Declaration.ID,
			EntityRef:      a.Declaration.EntityRef,
			ScopeRef:       a.Declaration.ScopeRef,
			Kind:           string(a.Declaration.Kind),
			Classification: a.Declaration.Classification,
			StateText:      a.Declaration.StateText,
			DeclaredAt:     formatTime(a.Declaration.DeclaredAt),
			ElapsedHours:   hours(a.Elapsed),
		})
	}
	return out
}

func entityRefs(in []record.Entity) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		out = append(out, e.Ref)
	}
	return out
}
