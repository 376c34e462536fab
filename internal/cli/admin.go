package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewAdminCommand creates the admin command group.
func NewAdminCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Maintenance under an admin override",
	}
	cmd.AddCommand(newAdminExecCommand(rootOpts))
	return cmd
}

// AdminExecResult is the number of rows a maintenance statement changed.
type AdminExecResult struct {
	RowsAffected int64 `json:"rows_affected"`
}

func (r AdminExecResult) renderText(w io.Writer, _ bool) {
	fmt.Fprintf(w, "%d row(s) affected\n", r.RowsAffected)
}

func newAdminExecCommand(rootOpts *RootOptions) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "exec <statement> [args...]",
		Short: "Run one SQL maintenance statement",
		Long: `Run a single SQL statement against the ledger database. Requires an
override token with scope admin (or *); its use is recorded in the ledger
before the statement runs.

Committed events, declarations and ownership history stay immutable: a
statement that would update or delete them is rejected whatever the token.

Example:
  ledger admin exec --token "$TOKEN" "UPDATE state__entities SET entity_label = ? WHERE entity_ref = ?" "Line 3" line:3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)

			l, exitErr := rootOpts.openLedger()
			if exitErr != nil {
				return out.Fail(exitErr)
			}
			defer l.Store().Close()

			stmtArgs := make([]any, len(args)-1)
			for i, a := range args[1:] {
				stmtArgs[i] = a
			}
			n, err := l.AdminExec(cmd.Context(), token, args[0], stmtArgs...)
			if err != nil {
				return out.Fail(ledgerExit("admin statement rejected", err))
			}
			return out.Success(AdminExecResult{RowsAffected: n})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "override token with admin scope (required)")
	cmd.MarkFlagRequired("token")

	return cmd
}
