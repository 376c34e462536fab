package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRegisterEntity_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	created, err := s.RegisterEntity(ctx, "line:3", "Line 3", 7)
	require.NoError(t, err)
	assert.True(t, created)

	// Re-registration never overwrites label or cadence.
	created, err = s.RegisterEntity(ctx, "line:3", "Renamed", 30)
	require.NoError(t, err)
	assert.False(t, created)

	e, err := s.GetEntity(ctx, "line:3")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "Line 3", e.Label)
	assert.Equal(t, 7, e.CadenceDays)
}

func TestRegisterEntity_Validation(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.RegisterEntity(ctx, "line:3", "", 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.RegisterEntity(ctx, "", "", 7)
	require.ErrorIs(t, err, ErrInvalidArgument)

	entities, err := s.ListEntities(ctx)
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestListEntities_SortedByRef(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	for _, ref := range []string{"line:3", "batch:1", "line:10"} {
		mustRegister(t, s, ref)
	}

	entities, err := s.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 3)
	assert.Equal(t, "batch:1", entities[0].Ref)
	assert.Equal(t, "line:10", entities[1].Ref)
	assert.Equal(t, "line:3", entities[2].Ref)
}

func TestGetEntity_Missing(t *testing.T) {
	s := createTestStore(t)

	e, err := s.GetEntity(context.Background(), "line:404")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestAssignOwner(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	mustRegister(t, s, "line:3")

	id, err := s.AssignOwner(ctx, "line:3", "alice", "bob")
	require.NoError(t, err)
	assert.Positive(t, id)

	owner, ok, err := s.CurrentOwner(ctx, "line:3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", owner)
}

func TestAssignOwner_NoImplicitTransfer(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	mustRegister(t, s, "line:3")

	_, err := s.AssignOwner(ctx, "line:3", "alice", "bob")
	require.NoError(t, err)

	_, err = s.AssignOwner(ctx, "line:3", "carol", "bob")
	require.ErrorIs(t, err, ErrOwnerAlreadyAssigned)
	assert.True(t, IsInvariantViolation(err))

	var le *LedgerError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "ownership.single_open", le.Constraint)
	assert.Equal(t, "alice", le.Details["current_owner"])

	owner, _, err := s.CurrentOwner(ctx, "line:3")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
}

func TestAssignOwner_UnknownEntity(t *testing.T) {
	s := createTestStore(t)

	_, err := s.AssignOwner(context.Background(), "line:404", "alice", "bob")
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestAssignOwner_RequiresRefs(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	mustRegister(t, s, "line:3")

	_, err := s.AssignOwner(ctx, "line:3", "", "bob")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.AssignOwner(ctx, "line:3", "alice", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAssignOwner_ConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	mustRegister(t, s, "line:3")

	const writers = 16
	var won, lost atomic.Int32
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		owner := fmt.Sprintf("actor:%d", i)
		g.Go(func() error {
			_, err := s.AssignOwner(ctx, "line:3", owner, "bob")
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrOwnerAlreadyAssigned):
				lost.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(writers-1), lost.Load())
	assert.Equal(t, 1, countOpenOwnerships(t, s, "line:3"))
}

func TestUnassignOwner(t *testing.T) {
	ctx := context.Background()
	s, clock := createClockedStore(t)
	mustRegister(t, s, "line:3")

	_, err := s.AssignOwner(ctx, "line:3", "alice", "bob")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	require.NoError(t, s.UnassignOwner(ctx, "line:3"))

	_, ok, err := s.CurrentOwner(ctx, "line:3")
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := s.OwnershipHistory(ctx, "line:3")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].UnassignedAt)
	assert.Equal(t, 2*time.Hour, history[0].UnassignedAt.Sub(history[0].AssignedAt))

	// A closed row is never closed again.
	err = s.UnassignOwner(ctx, "line:3")
	require.ErrorIs(t, err, ErrNoCurrentOwner)
}

func TestUnassignOwner_UnknownEntity(t *testing.T) {
	err := createTestStore(t).UnassignOwner(context.Background(), "line:404")
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestOwnershipHistory_KeepsEveryRow(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	mustRegister(t, s, "line:3")

	for _, owner := range []string{"alice", "carol", "dave"} {
		_, err := s.AssignOwner(ctx, "line:3", owner, "bob")
		require.NoError(t, err)
		require.NoError(t, s.UnassignOwner(ctx, "line:3"))
	}
	_, err := s.AssignOwner(ctx, "line:3", "erin", "bob")
	require.NoError(t, err)

	history, err := s.OwnershipHistory(ctx, "line:3")
	require.NoError(t, err)
	require.Len(t, history, 4)

	names := make([]string, len(history))
	for i, a := range history {
		names[i] = a.OwnerRef
	}
	assert.Equal(t, []string{"alice", "carol", "dave", "erin"}, names)
	assert.False(t, history[0].IsOpen())
	assert.True(t, history[3].IsOpen())
	assert.Equal(t, 1, countOpenOwnerships(t, s, "line:3"))
}

func TestTransferOwner(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	mustRegister(t, s, "line:3")

	_, err := s.AssignOwner(ctx, "line:3", "alice", "bob")
	require.NoError(t, err)

	_, err = s.TransferOwner(ctx, "line:3", "carol", "bob")
	require.NoError(t, err)

	owner, ok, err := s.CurrentOwner(ctx, "line:3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "carol", owner)

	history, err := s.OwnershipHistory(ctx, "line:3")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].UnassignedAt)
	assert.Equal(t, *history[0].UnassignedAt, history[1].AssignedAt, "no unowned gap")
}

func TestTransferOwner_Errors(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	mustRegister(t, s, "line:3")

	_, err := s.TransferOwner(ctx, "line:3", "carol", "bob")
	require.ErrorIs(t, err, ErrNoCurrentOwner)

	_, err = s.TransferOwner(ctx, "line:404", "carol", "bob")
	require.ErrorIs(t, err, ErrUnknownEntity)

	_, err = s.AssignOwner(ctx, "line:3", "alice", "bob")
	require.NoError(t, err)
	_, err = s.TransferOwner(ctx, "line:3", "alice", "bob")
	require.ErrorIs(t, err, ErrOwnerAlreadyAssigned)

	// Failed transfers leave the open row untouched.
	history, err := s.OwnershipHistory(ctx, "line:3")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsOpen())
}

func countOpenOwnerships(t *testing.T, s *Store, ref string) int {
	t.Helper()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM state__recognition_owners WHERE entity_ref = ? AND unassigned_at IS NULL`, ref).Scan(&n)
	require.NoError(t, err)
	return n
}
