package harness

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// checkExpectations compares the final snapshot against exp and returns one
// message per mismatch.
func (h *Harness) checkExpectations(ctx context.Context, exp Expectations, snap *Snapshot) []string {
	var errs []string

	if exp.Unowned != nil {
		if msg := compareRefs("unowned", exp.Unowned, snap.Unowned); msg != "" {
			errs = append(errs, msg)
		}
	}

	if exp.Deferred != nil {
		got := make([]string, len(snap.Deferred))
		for i, d := range snap.Deferred {
			got[i] = d.EntityRef
		}
		if msg := compareRefs("deferred", exp.Deferred, got); msg != "" {
			errs = append(errs, msg)
		}
	}

	if exp.Streaks != nil {
		errs = append(errs, compareStreaks(exp.Streaks, snap.Streaks)...)
	}

	for _, ref := range sortedKeys(exp.CurrentOwners) {
		want := exp.CurrentOwners[ref]
		got, owned := snap.Owners[ref]
		switch {
		case want == "" && owned:
			errs = append(errs, fmt.Sprintf("current_owners[%s]: expected unowned, got %q", ref, got))
		case want != "" && got != want:
			errs = append(errs, fmt.Sprintf("current_owners[%s]: expected %q, got %q", ref, want, got))
		}
	}

	for _, subject := range sortedKeys(exp.EventsBySubject) {
		events, err := h.ledger.EventsBySubject(ctx, subject)
		if err != nil {
			errs = append(errs, fmt.Sprintf("events_by_subject[%s]: %v", subject, err))
			continue
		}
		if want := exp.EventsBySubject[subject]; len(events) != want {
			errs = append(errs, fmt.Sprintf("events_by_subject[%s]: expected %d events, got %d", subject, want, len(events)))
		}
	}

	return errs
}

func compareRefs(name string, want, got []string) string {
	w := slices.Clone(want)
	sort.Strings(w)
	if slices.Equal(w, got) {
		return ""
	}
	return fmt.Sprintf("%s: expected [%s], got [%s]", name, strings.Join(w, ", "), strings.Join(got, ", "))
}

func compareStreaks(want []StreakExpect, got []StreakRow) []string {
	key := func(entity, scope string, classification *string) string {
		c := "<unset>"
		if classification != nil {
			c = *classification
		}
		return entity + "|" + scope + "|" + c
	}

	counts := make(map[string]int, len(got))
	for _, s := range got {
		counts[key(s.EntityRef, s.ScopeRef, s.Classification)] = s.Count
	}

	var errs []string
	seen := make(map[string]bool, len(want))
	for _, w := range want {
		k := key(w.Entity, w.Scope, w.Classification)
		seen[k] = true
		count, ok := counts[k]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("streaks: expected %s count=%d, not found", k, w.Count))
		case count != w.Count:
			errs = append(errs, fmt.Sprintf("streaks: %s expected count=%d, got %d", k, w.Count, count))
		}
	}
	for _, s := range got {
		if k := key(s.EntityRef, s.ScopeRef, s.Classification); !seen[k] {
			errs = append(errs, fmt.Sprintf("streaks: unexpected %s count=%d", k, s.Count))
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
