package ledger

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/cutterledger/internal/policy"
)

// AdminExec runs a maintenance statement under an admin-scoped override.
//
// The override use is recorded before the statement runs. The store guard
// still applies: no token makes committed events, declarations or ownership
// history mutable, and such statements fail with ErrAppendOnlyViolation.
func (l *Ledger) AdminExec(ctx context.Context, token, stmt string, args ...any) (int64, error) {
	var n int64
	attrs := []attribute.KeyValue{attribute.Int("ledger.args", len(args))}
	err := l.observe(ctx, "AdminExec", attrs, func(ctx context.Context) error {
		o, err := l.authorize(token, policy.ScopeAdmin)
		if err != nil {
			return err
		}
		if err := l.recordOverride(ctx, o, "AdminExec", string(policy.ScopeAdmin), stmt); err != nil {
			return err
		}
		n, err = l.store.AdminExec(ctx, stmt, args...)
		return err
	})
	return n, err
}
