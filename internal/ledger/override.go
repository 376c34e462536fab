package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/cutterledger/internal/policy"
)

// OverrideUse is the payload of a ledger_policy_override_used event.
type OverrideUse struct {
	Scope     string `json:"scope"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"created_by"`
	ExpiresAt string `json:"expires_at"`
	Operation string `json:"operation"`
	Waived    string `json:"waived"`
	Statement string `json:"statement,omitempty"`
}

// enforce returns the first check failure that no override covers.
// A nil entry means the check passed or is disabled.
func (l *Ledger) enforce(ctx context.Context, op string, results ...error) error {
	for _, err := range results {
		if err == nil {
			continue
		}
		var v *policy.ViolationError
		if !errors.As(err, &v) {
			return err
		}
		l.metrics.IncrementPolicyViolation(string(v.Check))
		if err := l.waive(ctx, op, v); err != nil {
			return err
		}
	}
	return nil
}

// waive authorizes the context's override for v and records its use.
func (l *Ledger) waive(ctx context.Context, op string, v *policy.ViolationError) error {
	token, ok := overrideFrom(ctx)
	if !ok {
		return v
	}
	o, err := l.authorize(token, policy.Scope(v.Check))
	if err != nil {
		return fmt.Errorf("%w: %w", v, err)
	}
	return l.recordOverride(ctx, o, op, string(v.Check), "")
}

func (l *Ledger) authorize(token string, scope policy.Scope) (*policy.Override, error) {
	if l.tokens == nil {
		return nil, fmt.Errorf("%w: overrides are not configured", policy.ErrOverrideInvalid)
	}
	return l.tokens.Authorize(token, scope)
}

// recordOverride appends the audit event for one use of an override. The
// event is committed before the operation it unlocks runs.
func (l *Ledger) recordOverride(ctx context.Context, o *policy.Override, op, waived, stmt string) error {
	use := OverrideUse{
		Scope:     string(o.Scope),
		Reason:    o.Reason,
		CreatedBy: o.CreatedBy,
		ExpiresAt: o.ExpiresAt.UTC().Format(time.RFC3339),
		Operation: op,
		Waived:    waived,
		Statement: stmt,
	}
	if _, err := l.store.AppendEvent(ctx, policy.OverrideUsedEvent, o.SubjectRef(), use, l.provenance); err != nil {
		return fmt.Errorf("record override use: %w", err)
	}
	l.metrics.IncrementOverrideUsed(string(o.Scope))
	l.logger.WarnContext(ctx, "policy override used",
		"op", op,
		"waived", waived,
		"override", o.ID,
		"created_by", o.CreatedBy,
		"reason", o.Reason,
	)
	return nil
}
