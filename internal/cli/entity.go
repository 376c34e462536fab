package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/record"
)

// NewEntityCommand creates the entity command group.
func NewEntityCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Register and list entities",
	}
	cmd.AddCommand(newEntityRegisterCommand(rootOpts))
	cmd.AddCommand(newEntityListCommand(rootOpts))
	return cmd
}

// EntityRegisterOptions holds flags for entity register.
type EntityRegisterOptions struct {
	*RootOptions
	Label       string
	CadenceDays int
	Override    string
}

// RegisterResult reports whether the entity was newly created.
type RegisterResult struct {
	EntityRef string `json:"entity_ref"`
	Created   bool   `json:"created"`
}

func (r RegisterResult) renderText(w io.Writer, _ bool) {
	if r.Created {
		fmt.Fprintf(w, "registered %s\n", r.EntityRef)
		return
	}
	fmt.Fprintf(w, "%s already registered (unchanged)\n", r.EntityRef)
}

func newEntityRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EntityRegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register <entity-ref>",
		Short: "Register an entity",
		Long: `Register an entity with a review cadence in days. Registering an
existing entity changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntityRegister(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Label, "label", "", "human-readable label")
	cmd.Flags().IntVar(&opts.CadenceDays, "cadence", 7, "review cadence in days")
	addOverrideFlag(cmd, &opts.Override)

	return cmd
}

func runEntityRegister(opts *EntityRegisterOptions, cmd *cobra.Command, ref string) error {
	out := opts.formatter(cmd)

	l, exitErr := opts.openLedger()
	if exitErr != nil {
		return out.Fail(exitErr)
	}
	defer l.Store().Close()

	created, err := l.RegisterEntity(withOverride(cmd, opts.Override), ref, opts.Label, opts.CadenceDays)
	if err != nil {
		return out.Fail(ledgerExit("register rejected", err))
	}
	return out.Success(RegisterResult{EntityRef: ref, Created: created})
}

// EntityList is the result of entity list.
type EntityList struct {
	Entities []record.Entity `json:"entities"`
}

func (r EntityList) renderText(w io.Writer, _ bool) {
	if len(r.Entities) == 0 {
		fmt.Fprintln(w, "no entities")
		return
	}
	for _, e := range r.Entities {
		fmt.Fprintf(w, "%-40s cadence=%dd  %s\n", e.Ref, e.CadenceDays, e.Label)
	}
}

func newEntityListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered entities by ref",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)

			l, exitErr := rootOpts.openReader()
			if exitErr != nil {
				return out.Fail(exitErr)
			}
			defer l.Store().Close()

			entities, err := l.ListEntities(cmd.Context())
			if err != nil {
				return out.Fail(ledgerExit("failed to list entities", err))
			}
			return out.Success(EntityList{Entities: entities})
		},
	}
}
