package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/ledger"
	"github.com/roach88/cutterledger/internal/record"
	"github.com/roach88/cutterledger/internal/views"
)

// NewViewsCommand creates the views command group. Every view is recomputed
// from the ledger at the moment it is asked for.
func NewViewsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "views",
		Short: "Compute derived views of the State Ledger",
	}
	cmd.AddCommand(newViewCommand(rootOpts, "unowned", "Entities with no current owner",
		func(cmd *cobra.Command, l *ledger.Ledger, _ string) (any, error) {
			entities, err := l.UnownedEntities(cmd.Context())
			return UnownedView{Entities: entities}, err
		}))
	cmd.AddCommand(newViewCommand(rootOpts, "deferred", "Entities whose declared state is older than their cadence",
		func(cmd *cobra.Command, l *ledger.Ledger, _ string) (any, error) {
			deferred, err := l.DeferredEntities(cmd.Context())
			return DeferredView{Entities: deferred}, err
		}))
	cmd.AddCommand(newViewCommand(rootOpts, "streaks", "Reaffirmation streaks since the last reclassification",
		func(cmd *cobra.Command, l *ledger.Ledger, _ string) (any, error) {
			streaks, err := l.ContinuityStreaks(cmd.Context())
			return StreakView{Streaks: streaks}, err
		}))

	timeInState := newViewCommand(rootOpts, "time-in-state", "Age of the current declaration of every entity and scope",
		func(cmd *cobra.Command, l *ledger.Ledger, entity string) (any, error) {
			states, err := l.TimeInState(cmd.Context(), entity)
			return StateView{States: states}, err
		})
	timeInState.Flags().String("entity", "", "restrict to one entity")
	cmd.AddCommand(timeInState)

	cmd.AddCommand(newViewCommand(rootOpts, "open-deadlines", "Deadline promises with no carrier handoff",
		func(cmd *cobra.Command, l *ledger.Ledger, _ string) (any, error) {
			open, err := l.OpenDeadlines(cmd.Context())
			return PromiseView{Promises: open}, err
		}))

	responses := newViewCommand(rootOpts, "response-deadlines", "Response-by promises with no response received",
		func(cmd *cobra.Command, l *ledger.Ledger, entity string) (any, error) {
			open, err := l.OpenResponseDeadlines(cmd.Context(), entity)
			return PromiseView{Promises: open}, err
		})
	responses.Flags().String("entity", "", "restrict to one entity")
	cmd.AddCommand(responses)

	dwell := newViewCommand(rootOpts, "dwell", "Stage dwell time against expected durations",
		func(cmd *cobra.Command, l *ledger.Ledger, subject string) (any, error) {
			stages, err := l.DwellVsExpectation(cmd.Context(), subject)
			return DwellView{Stages: stages}, err
		})
	dwell.Flags().String("subject", "", "restrict to one event subject")
	cmd.AddCommand(dwell)

	return cmd
}

// viewFunc computes a view. filter is the value of the command's --entity or
// --subject flag, empty when the command has neither.
type viewFunc func(cmd *cobra.Command, l *ledger.Ledger, filter string) (any, error)

func newViewCommand(rootOpts *RootOptions, use, short string, compute viewFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)

			var filter string
			for _, name := range []string{"entity", "subject"} {
				if f := cmd.Flags().Lookup(name); f != nil {
					filter = f.Value.String()
				}
			}

			l, exitErr := rootOpts.openReader()
			if exitErr != nil {
				return out.Fail(exitErr)
			}
			defer l.Store().Close()

			result, err := compute(cmd, l, filter)
			if err != nil {
				return out.Fail(ledgerExit("failed to compute "+use, err))
			}
			return out.Success(result)
		},
	}
}

// UnownedView lists entities with no open ownership.
type UnownedView struct {
	Entities []record.Entity `json:"entities"`
}

func (v UnownedView) renderText(w io.Writer, _ bool) {
	if len(v.Entities) == 0 {
		fmt.Fprintln(w, "every entity has an owner")
		return
	}
	for _, e := range v.Entities {
		fmt.Fprintln(w, e.Ref)
	}
}

// DeferredView lists entities past their cadence.
type DeferredView struct {
	Entities []views.DeferredEntity `json:"entities"`
}

func (v DeferredView) renderText(w io.Writer, _ bool) {
	if len(v.Entities) == 0 {
		fmt.Fprintln(w, "nothing deferred")
		return
	}
	for _, d := range v.Entities {
		last := "never declared"
		if d.LastDeclaredAt != nil {
			last = "last declared " + d.LastDeclaredAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-40s %s, %s elapsed (cadence %dd)\n", d.Entity.Ref, last, formatElapsed(d.Elapsed), d.Entity.CadenceDays)
	}
}

// StreakView lists continuity streaks.
type StreakView struct {
	Streaks []views.Streak `json:"streaks"`
}

func (v StreakView) renderText(w io.Writer, _ bool) {
	if len(v.Streaks) == 0 {
		fmt.Fprintln(w, "no streaks")
		return
	}
	for _, s := range v.Streaks {
		class := "(unclassified)"
		if s.Classification != nil {
			class = *s.Classification
		}
		fmt.Fprintf(w, "%s/%s %s x%d since %s\n", s.EntityRef, s.ScopeRef, class, s.Count, s.FirstReaffirmedAt.Format(time.RFC3339))
	}
}

// StateView lists the current declaration of every lineage.
type StateView struct {
	States []views.StateAge `json:"states"`
}

func (v StateView) renderText(w io.Writer, _ bool) {
	if len(v.States) == 0 {
		fmt.Fprintln(w, "no declarations")
		return
	}
	for _, s := range v.States {
		d := s.Declaration
		fmt.Fprintf(w, "%s/%s %s [%s] for %s: %q\n", d.EntityRef, d.ScopeRef, d.Kind, d.ClassificationOrEmpty(), formatElapsed(s.Elapsed), d.StateText)
	}
}

// PromiseView lists promises not yet kept.
type PromiseView struct {
	Promises []views.OpenPromise `json:"promises"`
}

func (v PromiseView) renderText(w io.Writer, _ bool) {
	if len(v.Promises) == 0 {
		fmt.Fprintln(w, "no open promises")
		return
	}
	for _, p := range v.Promises {
		fmt.Fprintf(w, "%-40s due %s (declared %s by %s)\n", p.EntityRef, p.Deadline, p.DeclaredAt.Format(time.RFC3339), p.DeclaredByRef)
	}
}

// DwellView lists stage dwell times.
type DwellView struct {
	Stages []views.StageDwell `json:"stages"`
}

func (v DwellView) renderText(w io.Writer, _ bool) {
	if len(v.Stages) == 0 {
		fmt.Fprintln(w, "no stages started")
		return
	}
	for _, d := range v.Stages {
		status := "in progress"
		if d.CompletedAt != nil {
			status = "completed"
		}
		fmt.Fprintf(w, "%s/%s %s: %s against %s (%+.0fm)\n", d.SubjectRef, d.Stage, status,
			formatElapsed(d.Elapsed), d.Expected, d.Delta.Minutes())
	}
}

func formatElapsed(d time.Duration) string {
	return d.Truncate(time.Second).String()
}
