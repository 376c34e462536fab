package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/record"
)

// NewOwnerCommand creates the owner command group.
func NewOwnerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Assign, release, transfer and show recognition ownership",
		Long: `An entity has at most one open owner. Assigning never replaces an
existing owner; use transfer, which closes the open row and opens the new
one at the same instant.`,
	}
	cmd.AddCommand(newOwnerAssignCommand(rootOpts))
	cmd.AddCommand(newOwnerUnassignCommand(rootOpts))
	cmd.AddCommand(newOwnerTransferCommand(rootOpts))
	cmd.AddCommand(newOwnerShowCommand(rootOpts))
	return cmd
}

// OwnerOptions holds flags shared by assign and transfer.
type OwnerOptions struct {
	*RootOptions
	Owner      string
	AssignedBy string
	Override   string
}

// OwnerResult is the ownership row opened by assign or transfer.
type OwnerResult struct {
	AssignmentID int64  `json:"assignment_id"`
	EntityRef    string `json:"entity_ref"`
	OwnerRef     string `json:"owner_actor_ref"`
}

func (r OwnerResult) renderText(w io.Writer, _ bool) {
	fmt.Fprintf(w, "%s owned by %s (assignment %d)\n", r.EntityRef, r.OwnerRef, r.AssignmentID)
}

func ownerFlags(cmd *cobra.Command, opts *OwnerOptions) {
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner actor reference (required)")
	cmd.Flags().StringVar(&opts.AssignedBy, "by", "", "assigning actor reference (required)")
	addOverrideFlag(cmd, &opts.Override)
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("by")
}

func newOwnerAssignCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OwnerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "assign <entity-ref>",
		Short: "Assign an owner to an unowned entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOwnerWrite(opts, cmd, args[0], false)
		},
	}
	ownerFlags(cmd, opts)
	return cmd
}

func newOwnerTransferCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OwnerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transfer <entity-ref>",
		Short: "Hand an owned entity to a new owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOwnerWrite(opts, cmd, args[0], true)
		},
	}
	ownerFlags(cmd, opts)
	return cmd
}

func runOwnerWrite(opts *OwnerOptions, cmd *cobra.Command, entityRef string, transfer bool) error {
	out := opts.formatter(cmd)

	l, exitErr := opts.openLedger()
	if exitErr != nil {
		return out.Fail(exitErr)
	}
	defer l.Store().Close()

	ctx := withOverride(cmd, opts.Override)
	var id int64
	var err error
	if transfer {
		id, err = l.TransferOwner(ctx, entityRef, opts.Owner, opts.AssignedBy)
	} else {
		id, err = l.AssignOwner(ctx, entityRef, opts.Owner, opts.AssignedBy)
	}
	if err != nil {
		return out.Fail(ledgerExit("ownership change rejected", err))
	}
	return out.Success(OwnerResult{AssignmentID: id, EntityRef: entityRef, OwnerRef: opts.Owner})
}

func newOwnerUnassignCommand(rootOpts *RootOptions) *cobra.Command {
	var override string

	cmd := &cobra.Command{
		Use:   "unassign <entity-ref>",
		Short: "Close the open ownership of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)

			l, exitErr := rootOpts.openLedger()
			if exitErr != nil {
				return out.Fail(exitErr)
			}
			defer l.Store().Close()

			if err := l.UnassignOwner(withOverride(cmd, override), args[0]); err != nil {
				return out.Fail(ledgerExit("unassign rejected", err))
			}
			return out.Success(fmt.Sprintf("%s is now unowned", args[0]))
		},
	}
	addOverrideFlag(cmd, &override)
	return cmd
}

// OwnerHistory is the ownership record of one entity.
type OwnerHistory struct {
	EntityRef string                       `json:"entity_ref"`
	Current   *string                      `json:"current_owner"`
	History   []record.OwnershipAssignment `json:"history"`
}

func (r OwnerHistory) renderText(w io.Writer, _ bool) {
	if r.Current != nil {
		fmt.Fprintf(w, "%s: owned by %s\n", r.EntityRef, *r.Current)
	} else {
		fmt.Fprintf(w, "%s: unowned\n", r.EntityRef)
	}
	for _, a := range r.History {
		until := "open"
		if a.UnassignedAt != nil {
			until = a.UnassignedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  %-32s by %-28s %s .. %s\n", a.OwnerRef, a.AssignedByRef, a.AssignedAt.Format(time.RFC3339), until)
	}
}

func newOwnerShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <entity-ref>",
		Short: "Show the current owner and ownership history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)

			l, exitErr := rootOpts.openReader()
			if exitErr != nil {
				return out.Fail(exitErr)
			}
			defer l.Store().Close()

			ctx := cmd.Context()
			result := OwnerHistory{EntityRef: args[0]}
			owner, ok, err := l.CurrentOwner(ctx, args[0])
			if err != nil {
				return out.Fail(ledgerExit("failed to read owner", err))
			}
			if ok {
				result.Current = &owner
			}
			if result.History, err = l.Store().OwnershipHistory(ctx, args[0]); err != nil {
				return out.Fail(ledgerExit("failed to read ownership history", err))
			}
			return out.Success(result)
		},
	}
}
