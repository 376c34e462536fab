package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/bootstrap"
)

// BootstrapOptions holds flags for the bootstrap command.
type BootstrapOptions struct {
	*RootOptions
	DryRun bool
}

// BootstrapResult lists the seeds read and what applying them changed.
type BootstrapResult struct {
	Seeds  []bootstrap.Seed  `json:"seeds"`
	Report *bootstrap.Report `json:"report,omitempty"`
}

func (r BootstrapResult) renderText(w io.Writer, verbose bool) {
	if r.Report == nil {
		fmt.Fprintf(w, "✓ %d entity seed(s) valid\n", len(r.Seeds))
		if verbose {
			for _, s := range r.Seeds {
				fmt.Fprintf(w, "  %s cadence=%dd owner=%s\n", s.Ref, s.CadenceDays, s.Owner)
			}
		}
		return
	}
	list := func(label string, refs []string) {
		if len(refs) > 0 {
			fmt.Fprintf(w, "  %-10s %s\n", label, strings.Join(refs, ", "))
		}
	}
	fmt.Fprintf(w, "✓ bootstrapped %d entity seed(s)\n", len(r.Seeds))
	list("registered", r.Report.Registered)
	list("existing", r.Report.Existing)
	list("assigned", r.Report.Assigned)
	list("kept owner", r.Report.KeptOwner)
}

// NewBootstrapCommand creates the bootstrap command.
func NewBootstrapCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BootstrapOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bootstrap <seeds-dir>",
		Short: "Register entities from CUE seed files",
		Long: `Load the CUE package in <seeds-dir>, check every entity against the
entity schema, then register the entities and assign listed owners to
entities that have none. Existing entities and owners are never changed,
so running bootstrap again is a no-op.

Exit codes:
  0 - Seeds applied (or valid, with --dry-run)
  1 - Seed files invalid, or the ledger refused a write
  2 - Command error (database unavailable, etc.)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate seed files without writing")

	return cmd
}

func runBootstrap(opts *BootstrapOptions, cmd *cobra.Command, dir string) error {
	out := opts.formatter(cmd)

	seeds, err := bootstrap.Load(dir)
	if err != nil {
		exitErr := WrapExitError(ExitFailure, "invalid seed files", err)
		var le *bootstrap.LoadError
		if errors.As(err, &le) && le.Code == bootstrap.ErrCodeNotFound {
			exitErr.Code = ExitCommandError
		}
		if opts.Format == "json" && errors.As(err, &le) {
			out.Error(le.Code, le.Message, nil)
			exitErr.reported = true
			return exitErr
		}
		return out.Fail(exitErr)
	}
	out.VerboseLog("loaded %d seed(s) from %s", len(seeds), dir)

	if opts.DryRun {
		return out.Success(BootstrapResult{Seeds: seeds})
	}

	l, exitErr := opts.openLedger()
	if exitErr != nil {
		return out.Fail(exitErr)
	}
	defer l.Store().Close()

	report, err := bootstrap.Apply(cmd.Context(), l, seeds)
	if err != nil {
		return out.Fail(ledgerExit("bootstrap stopped", err))
	}
	return out.Success(BootstrapResult{Seeds: seeds, Report: report})
}
