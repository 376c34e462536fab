package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cutterledger/internal/policy"
	"github.com/roach88/cutterledger/internal/store"
)

func ownerConflict() error {
	return fmt.Errorf("assign owner: %w", &store.LedgerError{
		Code:       store.CodeInvariantViolation,
		Constraint: "ownership.single_open",
		Message:    "line:3 already has an owner",
		Details:    map[string]string{"current_owner": "alice"},
		Err:        store.ErrOwnerAlreadyAssigned,
	})
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(AppendResult{EventID: 7, Type: "quote_sent", Subject: "quote:42"}))

	var resp struct {
		Status string       `json:"status"`
		Data   AppendResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(7), resp.Data.EventID)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error("INVARIANT_VIOLATION", "owner already assigned", map[string]string{"constraint": "ownership.single_open"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVARIANT_VIOLATION", resp.Error.Code)
	assert.Equal(t, "owner already assigned", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextUsesRenderer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(RegisterResult{EntityRef: "line:3", Created: true}))
	assert.Equal(t, "registered line:3\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success("line:3 is now unowned"))
	assert.Equal(t, "line:3 is now unowned\n", buf.String())
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, formatter.Error("COMMAND_ERROR", "failed to open database", map[string]string{"path": "x.db"}))
	assert.Contains(t, buf.String(), "Error [COMMAND_ERROR]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLogGoesToErrWriter(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, diag := &bytes.Buffer{}, &bytes.Buffer{}
			formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: tt.verbose}

			formatter.VerboseLog("loaded %d seed(s)", 3)

			assert.Empty(t, out.String())
			if tt.wantLog {
				assert.Equal(t, "loaded 3 seed(s)\n", diag.String())
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestOutputFormatter_FailJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Fail(ledgerExit("ownership change rejected", ownerConflict()))
	require.Error(t, err)
	assert.True(t, IsReported(err))
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "INVARIANT_VIOLATION", resp.Error.Code)
	assert.Equal(t, map[string]any{"constraint": "ownership.single_open", "current_owner": "alice"}, resp.Error.Details)
}

func TestOutputFormatter_FailText(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Fail(NewExitError(ExitCommandError, "bad flag"))
	assert.False(t, IsReported(err))
	assert.Empty(t, buf.String(), "main prints text errors")
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  *ExitError
		want string
	}{
		{"ledger error", ledgerExit("x", ownerConflict()), "INVARIANT_VIOLATION"},
		{"storage", ledgerExit("x", &store.LedgerError{Code: store.CodeStorageUnavailable, Err: store.ErrStorageUnavailable}), "STORAGE_UNAVAILABLE"},
		{"policy", ledgerExit("x", &policy.ViolationError{Check: policy.CheckVocabulary}), "POLICY_VIOLATION"},
		{"override", ledgerExit("x", fmt.Errorf("%w: bad signature", policy.ErrOverrideInvalid)), "OVERRIDE_REJECTED"},
		{"command", WrapExitError(ExitCommandError, "x", errors.New("boom")), ErrCodeCommand},
		{"no cause", NewExitError(ExitFailure, "2 scenario(s) failed"), ErrCodeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err))
		})
	}
}

func TestLedgerExit(t *testing.T) {
	assert.Equal(t, ExitFailure, ledgerExit("x", ownerConflict()).Code)
	unavailable := &store.LedgerError{Code: store.CodeStorageUnavailable, Err: store.ErrStorageUnavailable}
	assert.Equal(t, ExitCommandError, ledgerExit("x", unavailable).Code)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "x"))))
}
