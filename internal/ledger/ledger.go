// Package ledger is the entry point for writes and reads against the Cutter
// Ledger and the State Ledger.
//
// A Ledger wraps a store.Store with the optional policy checks, override
// tokens, metrics, spans and logging. It adds no state of its own: every
// invariant still lives in the store, and every view is still recomputed
// from a fresh snapshot.
package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/cutterledger/internal/policy"
	"github.com/roach88/cutterledger/internal/record"
	"github.com/roach88/cutterledger/internal/store"
	"github.com/roach88/cutterledger/internal/telemetry"
	"github.com/roach88/cutterledger/internal/views"
)

// Outcome label values for failures that carry no store error code.
const (
	OutcomePolicyViolation  = "POLICY_VIOLATION"
	OutcomeOverrideRejected = "OVERRIDE_REJECTED"
	OutcomeCanceled         = "CANCELED"
	OutcomeError            = "ERROR"
)

// Ledger is safe for concurrent use when the underlying store is.
type Ledger struct {
	store      *store.Store
	views      *views.Engine
	policy     *policy.Policy
	tokens     *policy.TokenService
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	clock      func() time.Time
	provenance *record.Provenance
	stages     map[string]time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPolicy enables the checks selected in cfg.
func WithPolicy(cfg policy.Config) Option {
	return func(l *Ledger) {
		l.policy = policy.New(cfg)
	}
}

// WithTokens sets the service that verifies override tokens. Without one
// every override is rejected.
func WithTokens(tokens *policy.TokenService) Option {
	return func(l *Ledger) {
		l.tokens = tokens
	}
}

// WithMetrics records operation metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock sets the clock used by time-dependent views. Write timestamps
// come from the store's own clock.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithProvenance sets the provenance stamped on events appended without one.
func WithProvenance(service, version string) Option {
	return func(l *Ledger) {
		if service == "" && version == "" {
			l.provenance = nil
			return
		}
		l.provenance = &record.Provenance{Service: service, Version: version}
	}
}

// WithStageExpectations sets the expected duration of each production stage
// used by DwellVsExpectation.
func WithStageExpectations(expected map[string]time.Duration) Option {
	return func(l *Ledger) {
		l.stages = expected
	}
}

// New creates a Ledger over s.
func New(s *store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		policy: policy.New(policy.Config{}),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.views = views.NewEngine(s, views.WithClock(l.clock), views.WithStageExpectations(l.stages))
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() *store.Store {
	return l.store
}

type overrideKey struct{}

// WithOverride attaches an override token to ctx. Policy checks that fail
// during calls made with the returned context are waived when the token
// covers them, and each waiver is recorded as a ledger event.
func WithOverride(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, overrideKey{}, token)
}

func overrideFrom(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(overrideKey{}).(string)
	return token, ok && token != ""
}

// observe runs fn inside a span and records its outcome.
func (l *Ledger) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, op, attrs...)
	err := fn(ctx)
	outcome := Outcome(err)
	telemetry.EndSpan(span, err, outcome)
	l.metrics.ObserveOperation(op, outcome, time.Since(start))
	l.logResult(ctx, op, err)
	return err
}

func (l *Ledger) logResult(ctx context.Context, op string, err error) {
	var le *store.LedgerError
	var ve *policy.ViolationError
	switch {
	case err == nil:
		l.logger.DebugContext(ctx, "ledger operation", "op", op)
	case store.IsAppendOnlyViolation(err):
		l.metrics.IncrementAppendOnlyViolation()
		l.logger.WarnContext(ctx, "append-only violation rejected", "op", op, "error", err)
	case errors.As(err, &le) && le.Code == store.CodeInvariantViolation:
		l.logger.InfoContext(ctx, "invariant check failed", "op", op, "constraint", le.Constraint)
	case errors.As(err, &ve):
		l.logger.InfoContext(ctx, "policy check failed", "op", op, "check", string(ve.Check), "field", ve.Field)
	case store.IsStorageUnavailable(err):
		l.logger.ErrorContext(ctx, "storage unavailable", "op", op, "error", err)
	default:
		l.logger.DebugContext(ctx, "ledger operation failed", "op", op, "error", err)
	}
}

// Outcome classifies err for metrics, spans and scenario expectations: "ok",
// a store error code, or one of the Outcome constants.
func Outcome(err error) string {
	if err == nil {
		return telemetry.OutcomeOK
	}
	if code, ok := store.CodeOf(err); ok {
		return string(code)
	}
	switch {
	case policy.IsOverrideError(err):
		return OutcomeOverrideRejected
	case policy.IsViolation(err):
		return OutcomePolicyViolation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	}
	return OutcomeError
}
