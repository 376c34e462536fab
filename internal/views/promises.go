package views

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/cutterledger/internal/record"
)

var (
	// ErrMalformedPayload reports a declaration or event whose JSON body
	// lacks the field a view reads. Views never guess a missing value.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrUnknownStage reports a started stage with no expected duration.
	ErrUnknownStage = errors.New("unknown stage")
)

// PromiseKind pairs the declaration scope that records a promise with the
// Cutter Ledger event type that keeps it.
type PromiseKind struct {
	Scope  string
	KeptBy string
}

var (
	// DeadlinePromise is a delivery deadline, kept by a carrier handoff.
	DeadlinePromise = PromiseKind{Scope: "promise:deadline", KeptBy: "carrier_handoff"}

	// ResponsePromise is a response-by date, kept by a received response.
	ResponsePromise = PromiseKind{Scope: "promise:response_by", KeptBy: "response_received"}
)

// OpenPromise is a promise declaration with no keeping event for its entity.
type OpenPromise struct {
	EntityRef     string    `json:"entity_ref"`
	Deadline      string    `json:"deadline"`
	DeclarationID int64     `json:"declaration_id"`
	DeclaredAt    time.Time `json:"declared_at"`
	DeclaredByRef string    `json:"declared_by_actor_ref"`
}

// OpenPromises returns every declaration in kind.Scope whose entity has no
// kind.KeptBy event with a matching subject_ref, oldest first. The state
// text must be a JSON object with a "deadline" field. A non-empty entityRef
// restricts the result to that entity.
//
// The snapshot must carry the kind.KeptBy events.
func OpenPromises(snap *record.Snapshot, kind PromiseKind, entityRef string) ([]OpenPromise, error) {
	kept := make(map[string]bool)
	for _, e := range snap.Events {
		if e.Type == kind.KeptBy {
			kept[e.SubjectRef] = true
		}
	}

	var decls []record.Declaration
	for _, d := range snap.Declarations {
		if d.ScopeRef != kind.Scope || kept[d.EntityRef] {
			continue
		}
		if entityRef != "" && d.EntityRef != entityRef {
			continue
		}
		decls = append(decls, d)
	}
	slices.SortFunc(decls, func(a, b record.Declaration) int {
		return cmp.Or(a.DeclaredAt.Compare(b.DeclaredAt), cmp.Compare(a.ID, b.ID))
	})

	out := []OpenPromise{}
	for _, d := range decls {
		deadline, err := deadlineOf(d)
		if err != nil {
			return nil, err
		}
		out = append(out, OpenPromise{
			EntityRef:     d.EntityRef,
			Deadline:      deadline,
			DeclarationID: d.ID,
			DeclaredAt:    d.DeclaredAt,
			DeclaredByRef: d.DeclaredByRef,
		})
	}
	return out, nil
}

func deadlineOf(d record.Declaration) (string, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(d.StateText), &body); err != nil {
		return "", fmt.Errorf("%w: declaration %d for %s: state_text is not a JSON object: %v",
			ErrMalformedPayload, d.ID, d.EntityRef, err)
	}
	raw, ok := body["deadline"]
	if !ok {
		return "", fmt.Errorf("%w: declaration %d for %s: missing deadline",
			ErrMalformedPayload, d.ID, d.EntityRef)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return string(raw), nil
}

// Stage event types.
const (
	StageStarted   = "stage_started"
	StageCompleted = "stage_completed"
)

// DefaultStageExpectations are the expected stage durations when none are
// configured.
func DefaultStageExpectations() map[string]time.Duration {
	return map[string]time.Duration{
		"machining":  time.Hour,
		"inspection": 30 * time.Minute,
		"packing":    15 * time.Minute,
	}
}

// StageDwell is how long a subject spent in one stage against its expectation.
// A stage still in progress is measured to now.
type StageDwell struct {
	SubjectRef  string        `json:"subject_ref"`
	Stage       string        `json:"stage"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Expected    time.Duration `json:"expected_ns"`
	Delta       time.Duration `json:"delta_ns"`
}

type stageKey struct {
	subject string
	stage   string
}

type stageSpan struct {
	started   *time.Time
	completed *time.Time
}

// Dwell pairs the first stage_started and first stage_completed event of each
// (subject, stage) and compares the elapsed time with expected[stage]. Every
// stage event must carry a JSON object with a "stage" field. A completion
// with no start is skipped. A non-empty subjectRef restricts the result.
//
// The snapshot must carry StageStarted and StageCompleted events.
func Dwell(snap *record.Snapshot, now time.Time, expected map[string]time.Duration, subjectRef string) ([]StageDwell, error) {
	spans := make(map[stageKey]*stageSpan)
	for _, e := range snap.Events {
		if e.Type != StageStarted && e.Type != StageCompleted {
			continue
		}
		if subjectRef != "" && e.SubjectRef != subjectRef {
			continue
		}
		stage, err := stageOf(e)
		if err != nil {
			return nil, err
		}

		k := stageKey{e.SubjectRef, stage}
		sp, ok := spans[k]
		if !ok {
			sp = &stageSpan{}
			spans[k] = sp
		}
		at := e.CreatedAt
		switch {
		case e.Type == StageStarted && sp.started == nil:
			sp.started = &at
		case e.Type == StageCompleted && sp.completed == nil:
			sp.completed = &at
		}
	}

	keys := make([]stageKey, 0, len(spans))
	for k := range spans {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b stageKey) int {
		return cmp.Or(cmp.Compare(a.subject, b.subject), cmp.Compare(a.stage, b.stage))
	})

	out := []StageDwell{}
	for _, k := range keys {
		sp := spans[k]
		if sp.started == nil {
			continue
		}
		want, ok := expected[k.stage]
		if !ok {
			return nil, fmt.Errorf("%w: %q for %s", ErrUnknownStage, k.stage, k.subject)
		}
		end := now
		if sp.completed != nil {
			end = *sp.completed
		}
		elapsed := end.Sub(*sp.started)
		out = append(out, StageDwell{
			SubjectRef:  k.subject,
			Stage:       k.stage,
			StartedAt:   *sp.started,
			CompletedAt: sp.completed,
			Elapsed:     elapsed,
			Expected:    want,
			Delta:       elapsed - want,
		})
	}
	return out, nil
}

func stageOf(e record.Event) (string, error) {
	var body struct {
		Stage *string `json:"stage"`
	}
	if err := json.Unmarshal(e.Data, &body); err != nil {
		return "", fmt.Errorf("%w: event %d for %s: event_data is not a JSON object: %v",
			ErrMalformedPayload, e.ID, e.SubjectRef, err)
	}
	if body.Stage == nil {
		return "", fmt.Errorf("%w: event %d for %s: missing stage", ErrMalformedPayload, e.ID, e.SubjectRef)
	}
	return *body.Stage, nil
}
