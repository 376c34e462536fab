package record

import (
	"strconv"
	"strings"
)

// UnknownSubject is the subject of events recorded without one.
const UnknownSubject = "unknown"

// SubjectRef joins a kind and id using the "kind:id" convention.
func SubjectRef(kind, id string) string {
	return kind + ":" + id
}

// SplitSubjectRef splits a "kind:id" reference at the first colon.
// ok is false when ref carries no kind.
func SplitSubjectRef(ref string) (kind, id string, ok bool) {
	kind, id, ok = strings.Cut(ref, ":")
	if !ok || kind == "" {
		return "", ref, false
	}
	return kind, id, true
}

// LegacyQuoteSubject maps a legacy quote_id column to a subject reference.
// NULL maps to "unknown"; any other value maps to "quote:{id}".
func LegacyQuoteSubject(quoteID *int64) string {
	if quoteID == nil {
		return UnknownSubject
	}
	return SubjectRef("quote", strconv.FormatInt(*quoteID, 10))
}
