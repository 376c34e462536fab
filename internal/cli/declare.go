package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/record"
	"github.com/roach88/cutterledger/internal/store"
)

// DeclareOptions holds flags for the declare command.
type DeclareOptions struct {
	*RootOptions
	Entity         string
	Scope          string
	Kind           string
	Text           string
	Classification string
	By             string
	Supersedes     int64
	Evidence       []string
	Override       string
}

// DeclareResult is the id of the committed declaration.
type DeclareResult struct {
	DeclarationID int64                  `json:"declaration_id"`
	EntityRef     string                 `json:"entity_ref"`
	ScopeRef      string                 `json:"scope_ref"`
	Kind          record.DeclarationKind `json:"declaration_kind"`
}

func (r DeclareResult) renderText(w io.Writer, _ bool) {
	fmt.Fprintf(w, "declaration %d: %s %s/%s\n", r.DeclarationID, r.Kind, r.EntityRef, r.ScopeRef)
}

// NewDeclareCommand creates the declare command.
func NewDeclareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeclareOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Record a declaration of state",
		Long: `Record what an actor declares about an entity within a scope.

A RECLASSIFICATION states a new classification. A REAFFIRMATION states that
the current classification still holds; consecutive reaffirmations of the
same classification form a continuity streak.

Example:
  ledger declare --entity line:3 --scope status --kind REAFFIRMATION \
    --classification A --text "still running A" --by alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeclare(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entity, "entity", "", "entity reference (required)")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "scope reference (required)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "REAFFIRMATION or RECLASSIFICATION (required)")
	cmd.Flags().StringVar(&opts.Text, "text", "", "declared state, in the declarer's words (required)")
	cmd.Flags().StringVar(&opts.Classification, "classification", "", "classification label")
	cmd.Flags().StringVar(&opts.By, "by", "", "declaring actor reference (required)")
	cmd.Flags().Int64Var(&opts.Supersedes, "supersedes", 0, "id of the declaration this one supersedes")
	cmd.Flags().StringSliceVar(&opts.Evidence, "evidence", nil, "evidence references (repeatable)")
	addOverrideFlag(cmd, &opts.Override)
	for _, name := range []string{"entity", "scope", "kind", "text", "by"} {
		cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runDeclare(opts *DeclareOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	in := record.DeclarationInput{
		EntityRef:     opts.Entity,
		ScopeRef:      opts.Scope,
		StateText:     opts.Text,
		DeclaredByRef: opts.By,
		Kind:          record.DeclarationKind(strings.ToUpper(opts.Kind)),
		EvidenceRefs:  opts.Evidence,
	}
	if opts.Classification != "" {
		in.Classification = &opts.Classification
	}
	if cmd.Flags().Changed("supersedes") {
		in.Supersedes = &opts.Supersedes
	}

	l, exitErr := opts.openLedger()
	if exitErr != nil {
		return out.Fail(exitErr)
	}
	defer l.Store().Close()

	id, err := l.Declare(withOverride(cmd, opts.Override), in)
	if err != nil {
		return out.Fail(ledgerExit("declaration rejected", err))
	}
	return out.Success(DeclareResult{DeclarationID: id, EntityRef: in.EntityRef, ScopeRef: in.ScopeRef, Kind: in.Kind})
}

// DeclarationList is the result of the declarations command.
type DeclarationList struct {
	Declarations []record.Declaration `json:"declarations"`
}

func (r DeclarationList) renderText(w io.Writer, verbose bool) {
	if len(r.Declarations) == 0 {
		fmt.Fprintln(w, "no declarations")
		return
	}
	for _, d := range r.Declarations {
		fmt.Fprintf(w, "%6d  %s  %-16s %s/%s [%s] %q by %s\n", d.ID, d.DeclaredAt.Format(time.RFC3339),
			d.Kind, d.EntityRef, d.ScopeRef, d.ClassificationOrEmpty(), d.StateText, d.DeclaredByRef)
		if verbose {
			if d.Supersedes != nil {
				fmt.Fprintf(w, "        supersedes %d\n", *d.Supersedes)
			}
			if len(d.EvidenceRefs) > 0 {
				fmt.Fprintf(w, "        evidence %s\n", strings.Join(d.EvidenceRefs, ", "))
			}
		}
	}
}

// NewDeclarationsCommand creates the declarations command.
func NewDeclarationsCommand(rootOpts *RootOptions) *cobra.Command {
	var filter store.DeclarationFilter

	cmd := &cobra.Command{
		Use:   "declarations",
		Short: "List declarations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)

			l, exitErr := rootOpts.openReader()
			if exitErr != nil {
				return out.Fail(exitErr)
			}
			defer l.Store().Close()

			decls, err := l.Store().ListDeclarations(cmd.Context(), filter)
			if err != nil {
				return out.Fail(ledgerExit("failed to list declarations", err))
			}
			return out.Success(DeclarationList{Declarations: decls})
		},
	}

	cmd.Flags().StringVar(&filter.EntityRef, "entity", "", "only declarations about this entity")
	cmd.Flags().StringVar(&filter.ScopeRef, "scope", "", "only declarations in this scope")
	cmd.Flags().StringVar(&filter.DeclaredByRef, "actor", "", "only declarations made by this actor")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of declarations (0 for all)")

	return cmd
}
