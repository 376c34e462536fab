package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout. Logs and
// diagnostics are discarded.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// executeJSON runs args with --format json and decodes the envelope.
func executeJSON(t *testing.T, data any, args ...string) (CLIResponse, error) {
	t.Helper()
	stdout, err := execute(t, append(args, "--format", "json")...)

	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &raw), "stdout: %s", stdout)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}, err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "ledger.db")
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ledger", cmd.Use)
	assert.Contains(t, cmd.Long, "append-only")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"migrate"}, {"append"}, {"events"}, {"declare"}, {"declarations"},
		{"entity", "register"}, {"entity", "list"},
		{"owner", "assign"}, {"owner", "unassign"}, {"owner", "transfer"}, {"owner", "show"},
		{"views", "unowned"}, {"views", "deferred"}, {"views", "streaks"}, {"views", "time-in-state"},
		{"views", "open-deadlines"}, {"views", "response-deadlines"}, {"views", "dwell"},
		{"verify"}, {"bootstrap"}, {"test"}, {"override", "issue"}, {"admin", "exec"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"db", "config"} {
		f := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, "", f.DefValue, "%s falls back to config", name)
	}
}

func TestWriteCommandsAcceptOverride(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"append"}, {"declare"}, {"entity", "register"},
		{"owner", "assign"}, {"owner", "unassign"}, {"owner", "transfer"},
	} {
		subCmd, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.NotNil(t, subCmd.Flags().Lookup("override"), "%v", path)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "migrate", "--db", tempDB(t), "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestConfig_DBFlagOverridesEnvironment(t *testing.T) {
	dir := t.TempDir()
	fromEnv := filepath.Join(dir, "env.db")
	fromFlag := filepath.Join(dir, "flag.db")
	t.Setenv("LEDGER_DB_PATH", fromEnv)

	_, err := execute(t, "migrate", "--db", fromFlag)
	require.NoError(t, err)
	assert.FileExists(t, fromFlag)
	assert.NoFileExists(t, fromEnv)

	_, err = execute(t, "migrate")
	require.NoError(t, err)
	assert.FileExists(t, fromEnv)
}

func TestConfig_FileSelectsDatabase(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "from-config.db")
	cfg := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("db_path: "+db+"\nlog_level: warn\n"), 0644))

	_, err := execute(t, "migrate", "--config", cfg)
	require.NoError(t, err)
	assert.FileExists(t, db)
}

func TestConfig_MissingExplicitFile(t *testing.T) {
	_, err := execute(t, "migrate", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfig_InvalidLogLevel(t *testing.T) {
	t.Setenv("LEDGER_LOG_LEVEL", "loud")

	_, err := execute(t, "migrate", "--db", tempDB(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
