// Package views computes derived state from a snapshot of the State Ledger.
//
// Every view is a pure function of a record.Snapshot and, where time matters,
// an explicit now. Nothing is cached or materialized; Engine re-reads the
// ledger on every call.
package views

import (
	"cmp"
	"slices"
	"time"

	"github.com/roach88/cutterledger/internal/record"
)

// StreakThreshold is the minimum number of reaffirmations reported as a streak.
// A single reaffirmation is not yet a pattern.
const StreakThreshold = 2

// DeferredEntity is an entity whose declared state is older than its cadence,
// or that has never been declared at all.
type DeferredEntity struct {
	Entity         record.Entity `json:"entity"`
	LastDeclaredAt *time.Time    `json:"last_declared_at"`
	// Elapsed is measured from the last declaration, or from registration
	// when there is none.
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Streak is a run of reaffirmations sharing a classification since the most
// recent reclassification of an (entity, scope) lineage.
type Streak struct {
	EntityRef         string    `json:"entity_ref"`
	ScopeRef          string    `json:"scope_ref"`
	Classification    *string   `json:"classification"`
	Count             int       `json:"count"`
	FirstReaffirmedAt time.Time `json:"first_reaffirmed_at"`
	LastReaffirmedAt  time.Time `json:"last_reaffirmed_at"`
}

// StateAge is the latest declaration of an (entity, scope) and how long ago it was made.
type StateAge struct {
	Declaration record.Declaration `json:"declaration"`
	Elapsed     time.Duration      `json:"elapsed_ns"`
}

// Unowned returns registered entities with no open ownership row, by ref.
func Unowned(snap *record.Snapshot) []record.Entity {
	owned := make(map[string]bool, len(snap.OpenOwnerships))
	for _, a := range snap.OpenOwnerships {
		owned[a.EntityRef] = true
	}

	out := []record.Entity{}
	for _, e := range snap.Entities {
		if !owned[e.Ref] {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b record.Entity) int { return cmp.Compare(a.Ref, b.Ref) })
	return out
}

// Deferred flags every entity whose most recent declaration, across all of
// its scopes, is more than cadence_days before now. Entities with no
// declaration are always flagged.
func Deferred(snap *record.Snapshot, now time.Time) []DeferredEntity {
	last := make(map[string]time.Time)
	for _, d := range snap.Declarations {
		if t, ok := last[d.EntityRef]; !ok || d.DeclaredAt.After(t) {
			last[d.EntityRef] = d.DeclaredAt
		}
	}

	out := []DeferredEntity{}
	for _, e := range snap.Entities {
		t, ok := last[e.Ref]
		if !ok {
			out = append(out, DeferredEntity{Entity: e, Elapsed: now.Sub(e.CreatedAt)})
			continue
		}
		elapsed := now.Sub(t)
		if elapsed > e.Cadence() {
			lastAt := t
			out = append(out, DeferredEntity{Entity: e, LastDeclaredAt: &lastAt, Elapsed: elapsed})
		}
	}
	slices.SortFunc(out, func(a, b DeferredEntity) int { return cmp.Compare(a.Entity.Ref, b.Entity.Ref) })
	return out
}

type lineageKey struct {
	entity string
	scope  string
}

// lineages groups declarations by (entity, scope), each in declaration id order.
func lineages(decls []record.Declaration) (map[lineageKey][]record.Declaration, []lineageKey) {
	groups := make(map[lineageKey][]record.Declaration)
	for _, d := range decls {
		k := lineageKey{d.EntityRef, d.ScopeRef}
		groups[k] = append(groups[k], d)
	}

	keys := make([]lineageKey, 0, len(groups))
	for k, ds := range groups {
		slices.SortFunc(ds, func(a, b record.Declaration) int { return cmp.Compare(a.ID, b.ID) })
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b lineageKey) int {
		return cmp.Or(cmp.Compare(a.entity, b.entity), cmp.Compare(a.scope, b.scope))
	})
	return groups, keys
}

// Continuity reports reaffirmation streaks.
//
// For each (entity, scope), only declarations after the most recent
// RECLASSIFICATION count; with none, the whole lineage counts. Reaffirmations
// are grouped by classification and groups of StreakThreshold or more are
// reported.
func Continuity(snap *record.Snapshot) []Streak {
	groups, keys := lineages(snap.Declarations)

	out := []Streak{}
	for _, k := range keys {
		ds := groups[k]

		start := 0
		for i, d := range ds {
			if d.Kind == record.KindReclassification {
				start = i + 1
			}
		}

		byClass := make(map[string]*Streak)
		var order []string
		for _, d := range ds[start:] {
			if d.Kind != record.KindReaffirmation {
				continue
			}
			ck := classKey(d.Classification)
			s, ok := byClass[ck]
			if !ok {
				s = &Streak{
					EntityRef:         k.entity,
					ScopeRef:          k.scope,
					Classification:    d.Classification,
					FirstReaffirmedAt: d.DeclaredAt,
				}
				byClass[ck] = s
				order = append(order, ck)
			}
			s.Count++
			s.LastReaffirmedAt = d.DeclaredAt
		}

		slices.Sort(order)
		for _, ck := range order {
			if s := byClass[ck]; s.Count >= StreakThreshold {
				out = append(out, *s)
			}
		}
	}
	return out
}

// classKey orders an unset classification before every set one.
func classKey(c *string) string {
	if c == nil {
		return ""
	}
	return "=" + *c
}

// TimeInState returns the latest declaration of every (entity, scope) with
// its age at now. A non-empty entityRef restricts the result to that entity.
// An entity with no declaration has no lineage and is not listed; Deferred
// reports it.
func TimeInState(snap *record.Snapshot, now time.Time, entityRef string) []StateAge {
	groups, keys := lineages(snap.Declarations)

	out := []StateAge{}
	for _, k := range keys {
		if entityRef != "" && k.entity != entityRef {
			continue
		}
		ds := groups[k]
		latest := ds[len(ds)-1]
		out = append(out, StateAge{Declaration: latest, Elapsed: now.Sub(latest.DeclaredAt)})
	}
	return out
}
