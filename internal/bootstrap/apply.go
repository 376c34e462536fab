package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cutterledger/internal/store"
)

// Registry is the subset of the ledger that bootstrapping writes through.
// *ledger.Ledger implements it.
type Registry interface {
	RegisterEntity(ctx context.Context, ref, label string, cadenceDays int) (bool, error)
	CurrentOwner(ctx context.Context, entityRef string) (string, bool, error)
	AssignOwner(ctx context.Context, entityRef, ownerRef, assignedByRef string) (int64, error)
}

// Report lists what Apply did, by entity ref.
type Report struct {
	Registered []string `json:"registered"`
	Existing   []string `json:"existing"`
	Assigned   []string `json:"assigned"`
	// KeptOwner lists entities that already had an owner, which bootstrap
	// never replaces.
	KeptOwner []string `json:"kept_owner"`
}

// Apply registers every seed and assigns listed owners to entities that
// have none. Running it again is a no-op.
func Apply(ctx context.Context, reg Registry, seeds []Seed) (*Report, error) {
	r := &Report{
		Registered: []string{},
		Existing:   []string{},
		Assigned:   []string{},
		KeptOwner:  []string{},
	}
	for _, seed := range seeds {
		created, err := reg.RegisterEntity(ctx, seed.Ref, seed.Label, seed.CadenceDays)
		if err != nil {
			return r, fmt.Errorf("register %s: %w", seed.Ref, err)
		}
		if created {
			r.Registered = append(r.Registered, seed.Ref)
		} else {
			r.Existing = append(r.Existing, seed.Ref)
		}

		if seed.Owner == "" {
			continue
		}
		_, owned, err := reg.CurrentOwner(ctx, seed.Ref)
		if err != nil {
			return r, fmt.Errorf("current owner of %s: %w", seed.Ref, err)
		}
		if owned {
			r.KeptOwner = append(r.KeptOwner, seed.Ref)
			continue
		}
		if _, err := reg.AssignOwner(ctx, seed.Ref, seed.Owner, seed.AssignedBy); err != nil {
			// Lost a race with another writer; the entity is owned either way.
			if errors.Is(err, store.ErrOwnerAlreadyAssigned) {
				r.KeptOwner = append(r.KeptOwner, seed.Ref)
				continue
			}
			return r, fmt.Errorf("assign owner of %s: %w", seed.Ref, err)
		}
		r.Assigned = append(r.Assigned, seed.Ref)
	}
	return r, nil
}
