package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err, "missing config.yaml is not an error")
	assert.Equal(t, "ledger.db", cfg.DBPath)
	assert.Equal(t, "cutter_ops_v1", cfg.ServiceName)
	assert.Equal(t, "v1", cfg.ServiceVersion)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Policy.Vocabulary)
	assert.False(t, cfg.Policy.OwnerOnly)
	assert.Equal(t, "cutterledger", cfg.Override.Issuer)
	assert.Empty(t, cfg.Override.SigningKey)
	assert.Equal(t, 4*time.Hour, cfg.Override.MaxTTL)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
db_path: /var/lib/ledger/cutter.db
service_version: v2
log_level: debug
policy:
  vocabulary: true
  owner_only: true
override:
  signing_key: s3cret
  max_ttl: 30m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ledger/cutter.db", cfg.DBPath)
	assert.Equal(t, "cutter_ops_v1", cfg.ServiceName)
	assert.Equal(t, "v2", cfg.ServiceVersion)
	assert.True(t, cfg.Policy.Vocabulary)
	assert.False(t, cfg.Policy.RefFormat)
	assert.True(t, cfg.Policy.OwnerOnly)
	assert.Equal(t, "s3cret", cfg.Override.SigningKey)
	assert.Equal(t, 30*time.Minute, cfg.Override.MaxTTL)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_SearchesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("db_path: here.db\n"), 0o644))
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "here.db", cfg.DBPath)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "db_path: file.db\npolicy:\n  ref_format: false\n")
	t.Setenv("LEDGER_DB_PATH", "env.db")
	t.Setenv("LEDGER_POLICY_REF_FORMAT", "true")
	t.Setenv("LEDGER_OVERRIDE_SIGNING_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.DBPath)
	assert.True(t, cfg.Policy.RefFormat)
	assert.Equal(t, "from-env", cfg.Override.SigningKey)
}

func TestLoad_MaxTTLIsCapped(t *testing.T) {
	cfg, err := Load(writeConfig(t, "override:\n  max_ttl: 12h\n"))
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, cfg.Override.MaxTTL)
}

func TestLoad_StageExpectations(t *testing.T) {
	cfg, err := Load(writeConfig(t, "stage_expectations:\n  machining: 90m\n  deburr: 20m\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Duration{
		"machining": 90 * time.Minute,
		"deburr":    20 * time.Minute,
	}, cfg.StageExpectations)

	_, err = Load(writeConfig(t, "stage_expectations:\n  packing: -5m\n"))
	assert.ErrorContains(t, err, "stage_expectations.packing")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	_, err = Load(writeConfig(t, "log_level: loud\n"))
	assert.ErrorContains(t, err, "log_level")

	_, err = Load(writeConfig(t, "db_path: [unterminated\n"))
	assert.ErrorContains(t, err, "read config")
}
