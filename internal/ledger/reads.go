package ledger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/cutterledger/internal/record"
	"github.com/roach88/cutterledger/internal/views"
)

// EventsBySubject returns the subject's events in commit order.
func (l *Ledger) EventsBySubject(ctx context.Context, subjectRef string) ([]record.Event, error) {
	var events []record.Event
	attrs := []attribute.KeyValue{attribute.String("ledger.subject_ref", subjectRef)}
	err := l.observe(ctx, "EventsBySubject", attrs, func(ctx context.Context) error {
		var err error
		events, err = l.store.EventsBySubject(ctx, subjectRef)
		return err
	})
	return events, err
}

// EventsByType returns events of eventType created at or after since. A
// zero since returns all of them.
func (l *Ledger) EventsByType(ctx context.Context, eventType string, since time.Time) ([]record.Event, error) {
	var events []record.Event
	attrs := []attribute.KeyValue{attribute.String("ledger.event_type", eventType)}
	err := l.observe(ctx, "EventsByType", attrs, func(ctx context.Context) error {
		var err error
		events, err = l.store.EventsByType(ctx, eventType, since)
		return err
	})
	return events, err
}

// ListEntities returns every registered entity.
func (l *Ledger) ListEntities(ctx context.Context) ([]record.Entity, error) {
	var entities []record.Entity
	err := l.observe(ctx, "ListEntities", nil, func(ctx context.Context) error {
		var err error
		entities, err = l.store.ListEntities(ctx)
		return err
	})
	return entities, err
}

// CurrentOwner returns the open owner of entityRef, if any.
func (l *Ledger) CurrentOwner(ctx context.Context, entityRef string) (string, bool, error) {
	var (
		owner string
		owned bool
	)
	attrs := []attribute.KeyValue{attribute.String("ledger.entity_ref", entityRef)}
	err := l.observe(ctx, "CurrentOwner", attrs, func(ctx context.Context) error {
		var err error
		owner, owned, err = l.store.CurrentOwner(ctx, entityRef)
		return err
	})
	return owner, owned, err
}

// UnownedEntities returns registered entities with no open ownership.
func (l *Ledger) UnownedEntities(ctx context.Context) ([]record.Entity, error) {
	var out []record.Entity
	err := l.observe(ctx, "UnownedEntities", nil, func(ctx context.Context) error {
		var err error
		out, err = l.views.Unowned(ctx)
		return err
	})
	return out, err
}

// DeferredEntities returns entities whose latest declaration is older than
// their cadence.
func (l *Ledger) DeferredEntities(ctx context.Context) ([]views.DeferredEntity, error) {
	var out []views.DeferredEntity
	err := l.observe(ctx, "DeferredEntities", nil, func(ctx context.Context) error {
		var err error
		out, err = l.views.Deferred(ctx)
		return err
	})
	return out, err
}

// ContinuityStreaks returns repeated reaffirmations of one classification
// since the last reclassification.
func (l *Ledger) ContinuityStreaks(ctx context.Context) ([]views.Streak, error) {
	var out []views.Streak
	err := l.observe(ctx, "ContinuityStreaks", nil, func(ctx context.Context) error {
		var err error
		out, err = l.views.Streaks(ctx)
		return err
	})
	return out, err
}

// TimeInState returns the latest declaration per lineage and its age. An
// empty entityRef covers every entity.
func (l *Ledger) TimeInState(ctx context.Context, entityRef string) ([]views.StateAge, error) {
	var out []views.StateAge
	attrs := []attribute.KeyValue{attribute.String("ledger.entity_ref", entityRef)}
	err := l.observe(ctx, "TimeInState", attrs, func(ctx context.Context) error {
		var err error
		out, err = l.views.TimeInState(ctx, entityRef)
		return err
	})
	return out, err
}

// OpenDeadlines returns promise:deadline declarations whose entity has no
// carrier_handoff event.
func (l *Ledger) OpenDeadlines(ctx context.Context) ([]views.OpenPromise, error) {
	var out []views.OpenPromise
	err := l.observe(ctx, "OpenDeadlines", nil, func(ctx context.Context) error {
		var err error
		out, err = l.views.OpenPromises(ctx, views.DeadlinePromise, "")
		return err
	})
	return out, err
}

// OpenResponseDeadlines returns promise:response_by declarations whose entity
// has no response_received event. A non-empty entityRef narrows the result.
func (l *Ledger) OpenResponseDeadlines(ctx context.Context, entityRef string) ([]views.OpenPromise, error) {
	var out []views.OpenPromise
	attrs := []attribute.KeyValue{attribute.String("ledger.entity_ref", entityRef)}
	err := l.observe(ctx, "OpenResponseDeadlines", attrs, func(ctx context.Context) error {
		var err error
		out, err = l.views.OpenPromises(ctx, views.ResponsePromise, entityRef)
		return err
	})
	return out, err
}

// DwellVsExpectation compares stage_started/stage_completed spans with the
// expected stage durations. A non-empty subjectRef narrows the result.
func (l *Ledger) DwellVsExpectation(ctx context.Context, subjectRef string) ([]views.StageDwell, error) {
	var out []views.StageDwell
	attrs := []attribute.KeyValue{attribute.String("ledger.subject_ref", subjectRef)}
	err := l.observe(ctx, "DwellVsExpectation", attrs, func(ctx context.Context) error {
		var err error
		out, err = l.views.Dwell(ctx, subjectRef)
		return err
	})
	return out, err
}
