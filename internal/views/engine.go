package views

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/cutterledger/internal/record"
)

// Source provides consistent snapshots of the State Ledger, optionally
// joined with Cutter Ledger events of the named types.
// *store.Store implements it.
type Source interface {
	Snapshot(ctx context.Context) (*record.Snapshot, error)
	SnapshotWithEvents(ctx context.Context, eventTypes ...string) (*record.Snapshot, error)
}

// Engine evaluates views against a fresh snapshot on every call.
type Engine struct {
	src      Source
	clock    func() time.Time
	expected map[string]time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall clock used by time-dependent views.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithStageExpectations sets the expected duration of each stage for Dwell.
// An empty map keeps DefaultStageExpectations.
func WithStageExpectations(expected map[string]time.Duration) Option {
	return func(e *Engine) {
		if len(expected) > 0 {
			e.expected = expected
		}
	}
}

// NewEngine creates an Engine reading from src.
func NewEngine(src Source, opts ...Option) *Engine {
	e := &Engine{src: src, clock: time.Now, expected: DefaultStageExpectations()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) snapshot(ctx context.Context) (*record.Snapshot, error) {
	snap, err := e.src.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}

// Unowned returns registered entities with no current owner.
func (e *Engine) Unowned(ctx context.Context) ([]record.Entity, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Unowned(snap), nil
}

// Deferred returns entities overdue for a declaration. now is read after the
// snapshot, so the result can change between calls without any write.
func (e *Engine) Deferred(ctx context.Context) ([]DeferredEntity, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Deferred(snap, e.clock().UTC()), nil
}

// Streaks returns reaffirmation streaks.
func (e *Engine) Streaks(ctx context.Context) ([]Streak, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return Continuity(snap), nil
}

// TimeInState returns the latest declaration per (entity, scope), optionally
// restricted to entityRef.
func (e *Engine) TimeInState(ctx context.Context, entityRef string) ([]StateAge, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return TimeInState(snap, e.clock().UTC(), entityRef), nil
}

// OpenPromises returns kind promises with no keeping event, optionally
// restricted to entityRef.
func (e *Engine) OpenPromises(ctx context.Context, kind PromiseKind, entityRef string) ([]OpenPromise, error) {
	snap, err := e.src.SnapshotWithEvents(ctx, kind.KeptBy)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return OpenPromises(snap, kind, entityRef)
}

// Dwell returns stage dwell times against the configured expectations,
// optionally restricted to subjectRef.
func (e *Engine) Dwell(ctx context.Context, subjectRef string) ([]StageDwell, error) {
	snap, err := e.src.SnapshotWithEvents(ctx, StageStarted, StageCompleted)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Dwell(snap, e.clock().UTC(), e.expected, subjectRef)
}
