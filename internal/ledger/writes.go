package ledger

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/cutterledger/internal/policy"
	"github.com/roach88/cutterledger/internal/record"
	"github.com/roach88/cutterledger/internal/store"
)

// AppendEvent records an immutable operational event. A nil prov takes the
// ledger's default provenance.
func (l *Ledger) AppendEvent(ctx context.Context, eventType, subjectRef string, payload any, prov *record.Provenance) (int64, error) {
	var id int64
	attrs := []attribute.KeyValue{
		attribute.String("ledger.event_type", eventType),
		attribute.String("ledger.subject_ref", subjectRef),
	}
	err := l.observe(ctx, "AppendEvent", attrs, func(ctx context.Context) error {
		if err := l.enforce(ctx, "AppendEvent", l.policy.EventType(eventType)); err != nil {
			return err
		}
		if prov == nil {
			prov = l.provenance
		}
		var err error
		id, err = l.store.AppendEvent(ctx, eventType, subjectRef, payload, prov)
		return err
	})
	return id, err
}

// RegisterEntity registers ref. It reports false when ref already existed.
func (l *Ledger) RegisterEntity(ctx context.Context, ref, label string, cadenceDays int) (bool, error) {
	var created bool
	attrs := []attribute.KeyValue{attribute.String("ledger.entity_ref", ref)}
	err := l.observe(ctx, "RegisterEntity", attrs, func(ctx context.Context) error {
		if err := l.enforce(ctx, "RegisterEntity", l.policy.EntityRef(ref)); err != nil {
			return err
		}
		var err error
		created, err = l.store.RegisterEntity(ctx, ref, label, cadenceDays)
		return err
	})
	return created, err
}

// AssignOwner opens an ownership for an entity that has none.
func (l *Ledger) AssignOwner(ctx context.Context, entityRef, ownerRef, assignedByRef string) (int64, error) {
	var id int64
	attrs := []attribute.KeyValue{
		attribute.String("ledger.entity_ref", entityRef),
		attribute.String("ledger.owner_ref", ownerRef),
	}
	err := l.observe(ctx, "AssignOwner", attrs, func(ctx context.Context) error {
		err := l.enforce(ctx, "AssignOwner",
			l.policy.EntityRef(entityRef),
			l.policy.ActorRef("owner_actor_ref", ownerRef),
			l.policy.ActorRef("assigned_by_actor_ref", assignedByRef),
		)
		if err != nil {
			return err
		}
		id, err = l.store.AssignOwner(ctx, entityRef, ownerRef, assignedByRef)
		return err
	})
	return id, err
}

// UnassignOwner closes the entity's open ownership.
func (l *Ledger) UnassignOwner(ctx context.Context, entityRef string) error {
	attrs := []attribute.KeyValue{attribute.String("ledger.entity_ref", entityRef)}
	return l.observe(ctx, "UnassignOwner", attrs, func(ctx context.Context) error {
		if err := l.enforce(ctx, "UnassignOwner", l.policy.EntityRef(entityRef)); err != nil {
			return err
		}
		return l.store.UnassignOwner(ctx, entityRef)
	})
}

// TransferOwner closes the open ownership and opens one for newOwnerRef at
// the same instant.
func (l *Ledger) TransferOwner(ctx context.Context, entityRef, newOwnerRef, assignedByRef string) (int64, error) {
	var id int64
	attrs := []attribute.KeyValue{
		attribute.String("ledger.entity_ref", entityRef),
		attribute.String("ledger.owner_ref", newOwnerRef),
	}
	err := l.observe(ctx, "TransferOwner", attrs, func(ctx context.Context) error {
		err := l.enforce(ctx, "TransferOwner",
			l.policy.EntityRef(entityRef),
			l.policy.ActorRef("owner_actor_ref", newOwnerRef),
			l.policy.ActorRef("assigned_by_actor_ref", assignedByRef),
		)
		if err != nil {
			return err
		}
		id, err = l.store.TransferOwner(ctx, entityRef, newOwnerRef, assignedByRef)
		return err
	})
	return id, err
}

// Declare appends a declaration about a registered entity.
func (l *Ledger) Declare(ctx context.Context, in record.DeclarationInput) (int64, error) {
	var id int64
	attrs := []attribute.KeyValue{
		attribute.String("ledger.entity_ref", in.EntityRef),
		attribute.String("ledger.scope_ref", in.ScopeRef),
		attribute.String("ledger.declaration_kind", string(in.Kind)),
	}
	err := l.observe(ctx, "Declare", attrs, func(ctx context.Context) error {
		ownerOnly, err := l.ownerOnly(ctx, in)
		if err != nil {
			return err
		}
		err = l.enforce(ctx, "Declare",
			l.policy.EntityRef(in.EntityRef),
			l.policy.ScopeRef(in.ScopeRef),
			l.policy.ActorRef("declared_by_actor_ref", in.DeclaredByRef),
			l.policy.StateText(in.StateText),
			ownerOnly,
		)
		if err != nil {
			return err
		}

		var opts []store.DeclareOption
		if l.policy.Enabled(policy.CheckOwnerOnly) && ownerOnly == nil {
			// Re-check under the write lock: ownership may have moved since the
			// read above. A waived violation is not re-checked.
			opts = append(opts, store.WithOwnerCheck(func(owner string, owned bool) error {
				if v := l.policy.OwnerOnly(in.EntityRef, in.DeclaredByRef, owner, owned); v != nil {
					l.metrics.IncrementPolicyViolation(string(policy.CheckOwnerOnly))
					return v
				}
				return nil
			}))
		}
		id, err = l.store.Declare(ctx, in, opts...)
		return err
	})
	return id, err
}

// ownerOnly evaluates the owner-only check. Unknown entities pass here so
// the store reports ErrUnknownEntity.
func (l *Ledger) ownerOnly(ctx context.Context, in record.DeclarationInput) (violation error, err error) {
	if !l.policy.Enabled(policy.CheckOwnerOnly) {
		return nil, nil
	}
	e, err := l.store.GetEntity(ctx, in.EntityRef)
	if err != nil || e == nil {
		return nil, err
	}
	owner, owned, err := l.store.CurrentOwner(ctx, in.EntityRef)
	if err != nil {
		return nil, err
	}
	return l.policy.OwnerOnly(in.EntityRef, in.DeclaredByRef, owner, owned), nil
}
