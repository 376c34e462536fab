package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/cutterledger/internal/policy"
	"github.com/roach88/cutterledger/internal/record"
	"github.com/roach88/cutterledger/internal/store"
	"github.com/roach88/cutterledger/internal/telemetry"
	"github.com/roach88/cutterledger/internal/testutil"
	"github.com/roach88/cutterledger/internal/views"
)

type fixture struct {
	ledger  *Ledger
	clock   *testutil.FakeClock
	tokens  *policy.TokenService
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tokens, err := policy.NewTokenService("test-key", "cutterledger",
		policy.WithTokenClock(clock.Now),
		policy.WithIDGenerator(testutil.NewSequentialIDs("ovr").Next),
	)
	require.NoError(t, err)

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	base := []Option{WithClock(clock.Now), WithTokens(tokens), WithMetrics(metrics)}
	return &fixture{
		ledger:  New(s, append(base, opts...)...),
		clock:   clock,
		tokens:  tokens,
		metrics: metrics,
	}
}

func (f *fixture) issue(t *testing.T, scope policy.Scope, ttl time.Duration) (string, *policy.Override) {
	t.Helper()
	token, o, err := f.tokens.Issue(scope, "backfill of imported history", "carol", ttl)
	require.NoError(t, err)
	return token, o
}

func declare(kind record.DeclarationKind, classification string) record.DeclarationInput {
	return record.DeclarationInput{
		EntityRef:      "line:3",
		ScopeRef:       "status",
		StateText:      "running as planned",
		Classification: record.StringPtr(classification),
		DeclaredByRef:  "alice",
		Kind:           kind,
	}
}

func TestLine3Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.ledger

	created, err := l.RegisterEntity(ctx, "line:3", "Line 3", 7)
	require.NoError(t, err)
	require.True(t, created)

	unowned, err := l.UnownedEntities(ctx)
	require.NoError(t, err)
	require.Len(t, unowned, 1)

	_, err = l.AssignOwner(ctx, "line:3", "alice", "bob")
	require.NoError(t, err)

	_, err = l.Declare(ctx, declare(record.KindReclassification, "classification"))
	require.NoError(t, err)
	f.clock.AdvanceDays(1)
	_, err = l.Declare(ctx, declare(record.KindReaffirmation, "classification"))
	require.NoError(t, err)

	streaks, err := l.ContinuityStreaks(ctx)
	require.NoError(t, err)
	assert.Empty(t, streaks, "one reaffirmation is not a streak")

	f.clock.AdvanceDays(1)
	_, err = l.Declare(ctx, declare(record.KindReaffirmation, "classification"))
	require.NoError(t, err)

	streaks, err = l.ContinuityStreaks(ctx)
	require.NoError(t, err)
	require.Len(t, streaks, 1)
	assert.Equal(t, "line:3", streaks[0].EntityRef)
	assert.Equal(t, "status", streaks[0].ScopeRef)
	require.NotNil(t, streaks[0].Classification)
	assert.Equal(t, "classification", *streaks[0].Classification)
	assert.Equal(t, 2, streaks[0].Count)

	unowned, err = l.UnownedEntities(ctx)
	require.NoError(t, err)
	assert.Empty(t, unowned)

	deferred, err := l.DeferredEntities(ctx)
	require.NoError(t, err)
	assert.Empty(t, deferred)

	f.clock.AdvanceDays(10)
	deferred, err = l.DeferredEntities(ctx)
	require.NoError(t, err)
	require.Len(t, deferred, 1)
	assert.Equal(t, "line:3", deferred[0].Entity.Ref)

	ages, err := l.TimeInState(ctx, "line:3")
	require.NoError(t, err)
	require.Len(t, ages, 1)
	assert.Equal(t, 10*24*time.Hour, ages[0].Elapsed)
}

func TestAppendEvent_DefaultProvenance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithProvenance("cutter_ops_v1", "v1"))

	_, err := f.ledger.AppendEvent(ctx, "quote_sent", "quote:1", nil, nil)
	require.NoError(t, err)
	explicit := &record.Provenance{Service: "importer", Version: "v2"}
	_, err = f.ledger.AppendEvent(ctx, "quote_sent", "quote:1", nil, explicit)
	require.NoError(t, err)

	events, err := f.ledger.EventsBySubject(ctx, "quote:1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, &record.Provenance{Service: "cutter_ops_v1", Version: "v1"}, events[0].Provenance)
	assert.Equal(t, explicit, events[1].Provenance)
}

func TestPolicy_OffByDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ledger.AppendEvent(ctx, "quote_problem_found", "quote:1", nil, nil)
	require.NoError(t, err)
	_, err = f.ledger.RegisterEntity(ctx, "line:3", "", 7)
	require.NoError(t, err, "bare refs pass without ref_format")
}

func TestPolicy_VocabularyRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPolicy(policy.Config{Vocabulary: true}))

	_, err := f.ledger.AppendEvent(ctx, "quote_problem_found", "quote:1", nil, nil)
	require.ErrorIs(t, err, policy.ErrPolicyViolation)

	var v *policy.ViolationError
	require.True(t, errors.As(err, &v))
	assert.Equal(t, policy.CheckVocabulary, v.Check)

	events, err := f.ledger.EventsByType(ctx, "quote_problem_found", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.PolicyViolations.WithLabelValues("vocabulary")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.Operations.WithLabelValues("AppendEvent", OutcomePolicyViolation)))
}

func TestOverride_WaivesAndIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPolicy(policy.Config{Vocabulary: true}))
	token, o := f.issue(t, policy.Scope(policy.CheckVocabulary), time.Hour)

	id, err := f.ledger.AppendEvent(WithOverride(ctx, token), "quote_problem_found", "quote:1", nil, nil)
	require.NoError(t, err)
	assert.Positive(t, id)

	audit, err := f.ledger.EventsBySubject(ctx, o.SubjectRef())
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, policy.OverrideUsedEvent, audit[0].Type)
	assert.Less(t, audit[0].ID, id, "audit event precedes the waived write")

	var use OverrideUse
	require.NoError(t, json.Unmarshal(audit[0].Data, &use))
	assert.Equal(t, OverrideUse{
		Scope:     "vocabulary",
		Reason:    "backfill of imported history",
		CreatedBy: "carol",
		ExpiresAt: o.ExpiresAt.Format(time.RFC3339),
		Operation: "AppendEvent",
		Waived:    "vocabulary",
	}, use)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.OverridesUsed.WithLabelValues("vocabulary")))
}

func TestOverride_Rejected(t *testing.T) {
	ctx := context.Background()

	t.Run("scope mismatch", func(t *testing.T) {
		f := newFixture(t, WithPolicy(policy.Config{Vocabulary: true}))
		token, o := f.issue(t, policy.Scope(policy.CheckRefFormat), time.Hour)

		_, err := f.ledger.AppendEvent(WithOverride(ctx, token), "quote_problem_found", "quote:1", nil, nil)
		require.ErrorIs(t, err, policy.ErrPolicyViolation)
		require.ErrorIs(t, err, policy.ErrOverrideScope)

		audit, err := f.ledger.EventsBySubject(ctx, o.SubjectRef())
		require.NoError(t, err)
		assert.Empty(t, audit)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, WithPolicy(policy.Config{Vocabulary: true}))
		token, _ := f.issue(t, policy.ScopeAll, time.Hour)
		f.clock.Advance(2 * time.Hour)

		_, err := f.ledger.AppendEvent(WithOverride(ctx, token), "quote_problem_found", "quote:1", nil, nil)
		require.ErrorIs(t, err, policy.ErrOverrideExpired)
	})

	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, WithPolicy(policy.Config{Vocabulary: true}), WithTokens(nil))
		token, _ := f.issue(t, policy.ScopeAll, time.Hour)

		_, err := f.ledger.AppendEvent(WithOverride(ctx, token), "quote_problem_found", "quote:1", nil, nil)
		require.ErrorIs(t, err, policy.ErrOverrideInvalid)
	})
}

func TestPolicy_RefFormat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPolicy(policy.Config{RefFormat: true}))

	_, err := f.ledger.RegisterEntity(ctx, "line:3", "", 7)
	require.ErrorIs(t, err, policy.ErrPolicyViolation)

	const entity = "org:acme/entity:line:3"
	_, err = f.ledger.RegisterEntity(ctx, entity, "", 7)
	require.NoError(t, err)

	_, err = f.ledger.AssignOwner(ctx, entity, "alice", "org:acme/actor:bob")
	require.ErrorIs(t, err, policy.ErrPolicyViolation)

	_, err = f.ledger.AssignOwner(ctx, entity, "org:acme/actor:alice", "org:acme/actor:bob")
	require.NoError(t, err)
}

func TestPolicy_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPolicy(policy.Config{OwnerOnly: true}))
	l := f.ledger

	_, err := l.Declare(ctx, declare(record.KindReclassification, "A"))
	require.ErrorIs(t, err, store.ErrUnknownEntity, "store reports unknown entities first")

	_, err = l.RegisterEntity(ctx, "line:3", "", 7)
	require.NoError(t, err)

	_, err = l.Declare(ctx, declare(record.KindReclassification, "A"))
	require.ErrorIs(t, err, policy.ErrPolicyViolation, "unowned entity")

	_, err = l.AssignOwner(ctx, "line:3", "dave", "bob")
	require.NoError(t, err)
	_, err = l.Declare(ctx, declare(record.KindReclassification, "A"))
	require.ErrorIs(t, err, policy.ErrPolicyViolation, "proxy recognition")

	_, err = l.TransferOwner(ctx, "line:3", "alice", "bob")
	require.NoError(t, err)
	_, err = l.Declare(ctx, declare(record.KindReclassification, "A"))
	require.NoError(t, err)
}

func TestCrossLedgerReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithStageExpectations(map[string]time.Duration{"deburr": 20 * time.Minute}))
	l := f.ledger

	for _, ref := range []string{"order:1", "ticket:1", "ticket:2"} {
		_, err := l.RegisterEntity(ctx, ref, "", 7)
		require.NoError(t, err)
	}
	promise := func(ref, scope string) {
		t.Helper()
		_, err := l.Declare(ctx, record.DeclarationInput{
			EntityRef: ref, ScopeRef: scope, StateText: `{"deadline":"2024-01-03"}`,
			DeclaredByRef: "alice", Kind: record.KindReclassification,
		})
		require.NoError(t, err)
	}
	promise("order:1", "promise:deadline")
	promise("ticket:1", "promise:response_by")
	promise("ticket:2", "promise:response_by")

	_, err := l.AppendEvent(ctx, "response_received", "ticket:1", nil, nil)
	require.NoError(t, err)
	_, err = l.AppendEvent(ctx, "stage_started", "part:1", map[string]string{"stage": "deburr"}, nil)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Minute)
	_, err = l.AppendEvent(ctx, "stage_completed", "part:1", map[string]string{"stage": "deburr"}, nil)
	require.NoError(t, err)

	deadlines, err := l.OpenDeadlines(ctx)
	require.NoError(t, err)
	require.Len(t, deadlines, 1)
	assert.Equal(t, "order:1", deadlines[0].EntityRef)

	responses, err := l.OpenResponseDeadlines(ctx, "")
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "ticket:2", responses[0].EntityRef)

	dwell, err := l.DwellVsExpectation(ctx, "part:1")
	require.NoError(t, err)
	require.Len(t, dwell, 1)
	assert.Equal(t, 30*time.Minute, dwell[0].Elapsed)
	assert.Equal(t, 10*time.Minute, dwell[0].Delta)

	// machining is a default stage, not in the configured set.
	_, err = l.AppendEvent(ctx, "stage_started", "part:2", map[string]string{"stage": "machining"}, nil)
	require.NoError(t, err)
	_, err = l.DwellVsExpectation(ctx, "")
	require.ErrorIs(t, err, views.ErrUnknownStage)
}

func TestPolicy_StateText(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPolicy(policy.Config{StateText: true}))
	_, err := f.ledger.RegisterEntity(ctx, "line:3", "", 7)
	require.NoError(t, err)

	in := declare(record.KindReclassification, "A")
	in.StateText = "running\nas planned"
	_, err = f.ledger.Declare(ctx, in)
	require.ErrorIs(t, err, policy.ErrPolicyViolation)

	token, _ := f.issue(t, policy.Scope(policy.CheckStateText), time.Hour)
	_, err = f.ledger.Declare(WithOverride(ctx, token), in)
	require.NoError(t, err)
}

func TestAdminExec(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.ledger

	_, err := l.RegisterEntity(ctx, "line:3", "", 7)
	require.NoError(t, err)
	_, err = l.AppendEvent(ctx, "quote_sent", "quote:1", map[string]int{"total": 10}, nil)
	require.NoError(t, err)

	_, err = l.AdminExec(ctx, "not-a-token", "UPDATE state__entities SET entity_label = 'x'")
	require.ErrorIs(t, err, policy.ErrOverrideInvalid)

	vocab, _ := f.issue(t, policy.Scope(policy.CheckVocabulary), time.Hour)
	_, err = l.AdminExec(ctx, vocab, "UPDATE state__entities SET entity_label = 'x'")
	require.ErrorIs(t, err, policy.ErrOverrideScope)

	admin, o := f.issue(t, policy.ScopeAdmin, time.Hour)
	n, err := l.AdminExec(ctx, admin, "UPDATE state__entities SET entity_label = ? WHERE entity_ref = ?", "Line 3", "line:3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Even an admin override cannot rewrite history.
	_, err = l.AdminExec(ctx, admin, `UPDATE cutter__events SET event_data = '{"total":0}'`)
	require.ErrorIs(t, err, store.ErrAppendOnlyViolation)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.AppendOnlyViolations))

	events, err := l.EventsBySubject(ctx, "quote:1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"total":10}`, string(events[0].Data))

	audit, err := l.EventsBySubject(ctx, o.SubjectRef())
	require.NoError(t, err)
	require.Len(t, audit, 2, "both admin uses are recorded, including the rejected one")
	var use OverrideUse
	require.NoError(t, json.Unmarshal(audit[1].Data, &use))
	assert.Equal(t, "AdminExec", use.Operation)
	assert.Contains(t, use.Statement, "cutter__events")
}

func TestAdminExec_StarScopeCannotDisableTriggers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.ledger

	id, err := l.AppendEvent(ctx, "quote_sent", "quote:1", nil, nil)
	require.NoError(t, err)

	all, _ := f.issue(t, policy.ScopeAll, time.Hour)
	for _, stmt := range []string{
		"PRAGMA writable_schema = ON",
		"DELETE FROM sqlite_master WHERE name = 'trg_events_no_update'",
		"PRAGMA foreign_keys = OFF",
		"DROP TRIGGER trg_events_no_update",
	} {
		_, err := l.AdminExec(ctx, all, stmt)
		require.ErrorIs(t, err, store.ErrAppendOnlyViolation, stmt)
	}

	_, err = l.AdminExec(ctx, all, "UPDATE cutter__events AS e SET event_type = 'tampered' WHERE e.id = ?", id)
	require.ErrorIs(t, err, store.ErrAppendOnlyViolation)

	events, err := l.EventsBySubject(ctx, "quote:1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "quote_sent", events[0].Type)
}

func TestAssignOwner_ConcurrentThroughLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.ledger.RegisterEntity(ctx, "line:3", "", 7)
	require.NoError(t, err)

	const writers = 8
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		owner := fmt.Sprintf("actor:%d", i)
		g.Go(func() error {
			_, err := f.ledger.AssignOwner(ctx, "line:3", owner, "bob")
			if err != nil && !errors.Is(err, store.ErrOwnerAlreadyAssigned) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ops := f.metrics.Operations
	assert.Equal(t, 1.0, promtest.ToFloat64(ops.WithLabelValues("AssignOwner", telemetry.OutcomeOK)))
	assert.Equal(t, float64(writers-1), promtest.ToFloat64(ops.WithLabelValues("AssignOwner", string(store.CodeInvariantViolation))))
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, telemetry.OutcomeOK},
		{fmt.Errorf("wrapped: %w", store.ErrUnknownEntity), OutcomeError},
		{&policy.ViolationError{Check: policy.CheckVocabulary}, OutcomePolicyViolation},
		{fmt.Errorf("%w: %w", &policy.ViolationError{}, policy.ErrOverrideExpired), OutcomeOverrideRejected},
		{context.Canceled, OutcomeCanceled},
		{errors.New("boom"), OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}
