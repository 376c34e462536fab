package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cutterledger/internal/ledger"
	"github.com/roach88/cutterledger/internal/store"
)

func writeSeeds(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func loadError(t *testing.T, err error) *LoadError {
	t.Helper()
	var le *LoadError
	require.True(t, errors.As(err, &le), "want *LoadError, got %T: %v", err, err)
	return le
}

const lines = `package seeds

entity: "line:3": {
	label:        "Line 3"
	cadence_days: 14
	owner:        "alice"
	assigned_by:  "bob"
}

entity: "batch:2024-07": {
	label: "July batch"
}
`

func TestLoad(t *testing.T) {
	dir := writeSeeds(t, map[string]string{"lines.cue": lines})

	seeds, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	assert.Equal(t, "batch:2024-07", seeds[0].Ref)
	assert.Equal(t, 7, seeds[0].CadenceDays, "default cadence")
	assert.Empty(t, seeds[0].Owner)

	assert.Equal(t, "line:3", seeds[1].Ref)
	assert.Equal(t, "Line 3", seeds[1].Label)
	assert.Equal(t, 14, seeds[1].CadenceDays)
	assert.Equal(t, "alice", seeds[1].Owner)
	assert.Equal(t, "bob", seeds[1].AssignedBy)
	assert.True(t, seeds[1].Pos.IsValid())
}

func TestLoad_MultipleFiles(t *testing.T) {
	dir := writeSeeds(t, map[string]string{
		"a.cue": "package seeds\n\nentity: \"line:1\": {}\n",
		"b.cue": "package seeds\n\nentity: \"line:2\": cadence_days: 3\n",
	})

	seeds, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, "line:1", seeds[0].Ref)
	assert.Equal(t, 3, seeds[1].CadenceDays)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		code  string
	}{
		{"empty dir", map[string]string{}, ErrCodeNoFiles},
		{"syntax", map[string]string{"x.cue": "package seeds\nentity: {\n"}, ErrCodeLoadFailed},
		{"zero cadence", map[string]string{"x.cue": "package seeds\nentity: \"line:3\": cadence_days: 0\n"}, ErrCodeSchema},
		{"cadence type", map[string]string{"x.cue": "package seeds\nentity: \"line:3\": cadence_days: \"weekly\"\n"}, ErrCodeSchema},
		{"owner without assigner", map[string]string{"x.cue": "package seeds\nentity: \"line:3\": owner: \"alice\"\n"}, ErrCodeOwner},
		{"no entities", map[string]string{"x.cue": "package seeds\nother: 1\n"}, ErrCodeNoEntities},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeSeeds(t, tt.files))
			require.Error(t, err)
			assert.Equal(t, tt.code, loadError(t, err).Code, "%v", err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, ErrCodeNotFound, loadError(t, err).Code)

	file := filepath.Join(t.TempDir(), "seeds.cue")
	require.NoError(t, os.WriteFile(file, []byte(lines), 0o644))
	_, err = Load(file)
	assert.Equal(t, ErrCodeNotFound, loadError(t, err).Code, "file instead of directory")
}

func TestLoadError_Format(t *testing.T) {
	err := &LoadError{Code: ErrCodeNoFiles, Message: "no CUE files found in seeds"}
	assert.Equal(t, "E003: no CUE files found in seeds", err.Error())
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := ledger.New(s)

	seeds, err := Load(writeSeeds(t, map[string]string{"lines.cue": lines}))
	require.NoError(t, err)

	report, err := Apply(ctx, l, seeds)
	require.NoError(t, err)
	assert.Equal(t, []string{"batch:2024-07", "line:3"}, report.Registered)
	assert.Equal(t, []string{"line:3"}, report.Assigned)
	assert.Empty(t, report.Existing)

	report, err = Apply(ctx, l, seeds)
	require.NoError(t, err)
	assert.Empty(t, report.Registered)
	assert.Equal(t, []string{"batch:2024-07", "line:3"}, report.Existing)
	assert.Empty(t, report.Assigned)
	assert.Equal(t, []string{"line:3"}, report.KeptOwner)

	history, err := s.OwnershipHistory(ctx, "line:3")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestApply_KeepsExistingOwner(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := ledger.New(s)

	_, err = l.RegisterEntity(ctx, "line:3", "Line three", 7)
	require.NoError(t, err)
	_, err = l.AssignOwner(ctx, "line:3", "carol", "bob")
	require.NoError(t, err)

	report, err := Apply(ctx, l, []Seed{{Ref: "line:3", Label: "Line 3", CadenceDays: 14, Owner: "alice", AssignedBy: "bob"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"line:3"}, report.KeptOwner)

	owner, _, err := l.CurrentOwner(ctx, "line:3")
	require.NoError(t, err)
	assert.Equal(t, "carol", owner)

	e, err := s.GetEntity(ctx, "line:3")
	require.NoError(t, err)
	assert.Equal(t, "Line three", e.Label, "existing registration is not overwritten")
}
