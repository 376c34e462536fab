package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/cutterledger/internal/ledger"
	"github.com/roach88/cutterledger/internal/policy"
	"github.com/roach88/cutterledger/internal/store"
	"github.com/roach88/cutterledger/internal/testutil"
)

// Harness runs one scenario against a fresh in-memory ledger.
type Harness struct {
	store  *store.Store
	ledger *ledger.Ledger
	clock  *testutil.FakeClock
	logger *slog.Logger
}

// Option configures a run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
	newID  func() string
}

// WithLogger sets the logger passed to the store and ledger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *runConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRunIDs sets the run id generator. Defaults to uuid.NewString.
func WithRunIDs(newID func() string) Option {
	return func(c *runConfig) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// Run executes scenario and evaluates its expectations.
//
// A returned error means the run itself could not happen. Step failures and
// unmet expectations are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := testutil.NewFakeClock(scenario.Start)
	st, err := store.Open(":memory:", store.WithClock(clock.Now), store.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store: st,
		ledger: ledger.New(st,
			ledger.WithClock(clock.Now),
			ledger.WithLogger(cfg.logger),
			ledger.WithPolicy(scenario.Policy.config()),
			ledger.WithProvenance("harness", scenario.Name),
		),
		clock:  clock,
		logger: cfg.logger,
	}

	result := NewResult(cfg.newID())
	h.logger.DebugContext(ctx, "scenario started", "scenario", scenario.Name, "run_id", result.RunID)

	steps := make([]StepOutcome, 0, len(scenario.Steps))
	for i := range scenario.Steps {
		step := &scenario.Steps[i]
		err := h.execute(ctx, step)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		steps = append(steps, StepOutcome{Op: step.Op, Outcome: ledger.Outcome(err)})
		if msg := checkStepError(step, err); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d] (%s): %s", i, step.Op, msg))
		}
	}

	snap, err := h.snapshot(ctx, scenario.Name, steps)
	if err != nil {
		return nil, fmt.Errorf("failed to read final views: %w", err)
	}
	result.Snapshot = snap

	for _, msg := range h.checkExpectations(ctx, scenario.Expect, snap) {
		result.AddError(msg)
	}

	h.logger.DebugContext(ctx, "scenario finished", "scenario", scenario.Name, "pass", result.Pass)
	return result, nil
}

func (h *Harness) execute(ctx context.Context, st *Step) error {
	l := h.ledger
	switch st.Op {
	case OpRegisterEntity:
		cadence := st.CadenceDays
		if cadence == 0 {
			cadence = 7
		}
		_, err := l.RegisterEntity(ctx, st.Entity, st.Label, cadence)
		return err
	case OpAssignOwner:
		_, err := l.AssignOwner(ctx, st.Entity, st.Owner, st.By)
		return err
	case OpUnassignOwner:
		return l.UnassignOwner(ctx, st.Entity)
	case OpTransferOwner:
		_, err := l.TransferOwner(ctx, st.Entity, st.Owner, st.By)
		return err
	case OpDeclare:
		_, err := l.Declare(ctx, st.declaration())
		return err
	case OpAppendEvent:
		var payload any
		if st.Payload != nil {
			payload = st.Payload
		}
		_, err := l.AppendEvent(ctx, st.Type, st.Subject, payload, nil)
		return err
	case OpAdvance:
		h.clock.Advance(time.Duration(st.Days)*24*time.Hour + time.Duration(st.Hours)*time.Hour)
		return nil
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

// errorNames maps expect_error sentinel names to the errors they match.
var errorNames = map[string]error{
	"append_only_violation":    store.ErrAppendOnlyViolation,
	"read_only_view":           store.ErrReadOnlyView,
	"owner_already_assigned":   store.ErrOwnerAlreadyAssigned,
	"no_current_owner":         store.ErrNoCurrentOwner,
	"unknown_entity":           store.ErrUnknownEntity,
	"invalid_declaration_kind": store.ErrInvalidDeclarationKind,
	"unknown_supersedes":       store.ErrUnknownSupersedes,
	"invalid_argument":         store.ErrInvalidArgument,
	"policy_violation":         policy.ErrPolicyViolation,
}

// matchesError reports whether err is the outcome code or sentinel named by want.
func matchesError(err error, want string) bool {
	if sentinel, ok := errorNames[strings.ToLower(want)]; ok {
		return errors.Is(err, sentinel)
	}
	return ledger.Outcome(err) == want
}

func checkStepError(st *Step, err error) string {
	switch {
	case st.ExpectError == "" && err != nil:
		return fmt.Sprintf("unexpected error: %v", err)
	case st.ExpectError != "" && err == nil:
		return fmt.Sprintf("expected error %s, got success", st.ExpectError)
	case st.ExpectError != "" && !matchesError(err, st.ExpectError):
		return fmt.Sprintf("expected error %s, got %v", st.ExpectError, err)
	}
	return ""
}

func (h *Harness) snapshot(ctx context.Context, name string, steps []StepOutcome) (*Snapshot, error) {
	l := h.ledger

	unowned, err := l.UnownedEntities(ctx)
	if err != nil {
		return nil, err
	}
	deferred, err := l.DeferredEntities(ctx)
	if err != nil {
		return nil, err
	}
	streaks, err := l.ContinuityStreaks(ctx)
	if err != nil {
		return nil, err
	}
	states, err := l.TimeInState(ctx, "")
	if err != nil {
		return nil, err
	}
	state, err := h.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	owners := make(map[string]string, len(state.OpenOwnerships))
	for _, a := range state.OpenOwnerships {
		owners[a.EntityRef] = a.OwnerRef
	}

	return &Snapshot{
		Scenario: name,
		At:       formatTime(h.clock.Now()),
		Steps:    steps,
		Unowned:  entityRefs(unowned),
		Deferred: deferredRows(deferred),
		Streaks:  streakRows(streaks),
		States:   stateRows(states),
		Owners:   owners,
	}, nil
}
