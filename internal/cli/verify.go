package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/store"
)

// VerifyResult wraps the chain report for output.
type VerifyResult struct {
	*store.ChainReport
	Verified bool `json:"ok"`
}

func (r VerifyResult) renderText(w io.Writer, _ bool) {
	if r.Verified {
		fmt.Fprintf(w, "✓ %d event(s) verified, head %s\n", r.Events, r.Head)
		return
	}
	fmt.Fprintf(w, "✗ %d break(s) in %d event(s)\n", len(r.Breaks), r.Events)
	for _, b := range r.Breaks {
		fmt.Fprintf(w, "  event %d: %s\n", b.EventID, b.Reason)
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the event hash chain",
		Long: `Recompute every event's content hash and check each link to its
predecessor. Exits 1 when any link fails. The database is opened read-only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)

			l, exitErr := rootOpts.openReader()
			if exitErr != nil {
				return out.Fail(exitErr)
			}
			defer l.Store().Close()

			report, err := l.Store().VerifyChain(cmd.Context())
			if err != nil {
				return out.Fail(ledgerExit("failed to verify chain", err))
			}
			result := VerifyResult{ChainReport: report, Verified: report.OK()}
			if err := out.Success(result); err != nil {
				return err
			}
			if !result.Verified {
				return NewExitError(ExitFailure, fmt.Sprintf("hash chain broken at %d event(s)", len(report.Breaks)))
			}
			return nil
		},
	}
}
