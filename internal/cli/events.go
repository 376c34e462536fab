package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/ledger"
	"github.com/roach88/cutterledger/internal/record"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Type     string
	Subject  string
	Data     string
	Override string
}

// AppendResult is the id of the committed event.
type AppendResult struct {
	EventID int64  `json:"event_id"`
	Type    string `json:"event_type"`
	Subject string `json:"subject_ref"`
}

func (r AppendResult) renderText(w io.Writer, _ bool) {
	fmt.Fprintf(w, "appended event %d: %s %s\n", r.EventID, r.Type, r.Subject)
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append an operational event",
		Long: `Append one event to the Cutter Ledger. The payload is any JSON value;
it is stored in canonical form and linked into the hash chain. Committed
events can never be changed or removed.

Example:
  ledger append --type quote_sent --subject quote:42 --data '{"total":125}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "event type (required)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject reference, kind:id (required)")
	cmd.Flags().StringVar(&opts.Data, "data", "{}", "event payload as JSON")
	addOverrideFlag(cmd, &opts.Override)
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("subject")

	return cmd
}

func runAppend(opts *AppendOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	if !json.Valid([]byte(opts.Data)) {
		return out.Fail(NewExitError(ExitCommandError, fmt.Sprintf("--data is not valid JSON: %s", opts.Data)))
	}

	l, exitErr := opts.openLedger()
	if exitErr != nil {
		return out.Fail(exitErr)
	}
	defer l.Store().Close()

	id, err := l.AppendEvent(withOverride(cmd, opts.Override), opts.Type, opts.Subject, json.RawMessage(opts.Data), nil)
	if err != nil {
		return out.Fail(ledgerExit("append rejected", err))
	}
	return out.Success(AppendResult{EventID: id, Type: opts.Type, Subject: opts.Subject})
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Subject string
	Type    string
	Since   string
	Limit   int
}

// EventList is the result of an events query.
type EventList struct {
	Events []record.Event `json:"events"`
}

func (r EventList) renderText(w io.Writer, verbose bool) {
	if len(r.Events) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}
	for _, e := range r.Events {
		fmt.Fprintf(w, "%6d  %s  %-28s %-20s %s\n", e.ID, e.CreatedAt.Format(time.RFC3339), e.Type, e.SubjectRef, e.Data)
		if verbose {
			prov := "-"
			if e.Provenance != nil {
				prov = e.Provenance.Service + "@" + e.Provenance.Version
			}
			fmt.Fprintf(w, "        provenance=%s hash=%s\n", prov, e.ContentHash)
		}
	}
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query committed events",
		Long: `List events by subject (commit order), by type (optionally since a
time), or the most recent events (newest first) when neither is given.
The database is opened read-only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "events for this subject reference")
	cmd.Flags().StringVar(&opts.Type, "type", "", "events of this type")
	cmd.Flags().StringVar(&opts.Since, "since", "", "with --type, only events at or after this RFC 3339 time")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "without --subject or --type, how many recent events to show")
	cmd.MarkFlagsMutuallyExclusive("subject", "type")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	var since time.Time
	if opts.Since != "" {
		if opts.Type == "" {
			return out.Fail(NewExitError(ExitCommandError, "--since requires --type"))
		}
		t, err := time.Parse(time.RFC3339, opts.Since)
		if err != nil {
			return out.Fail(WrapExitError(ExitCommandError, "invalid --since", err))
		}
		since = t
	}

	l, exitErr := opts.openReader()
	if exitErr != nil {
		return out.Fail(exitErr)
	}
	defer l.Store().Close()

	ctx := cmd.Context()
	var events []record.Event
	var err error
	switch {
	case opts.Subject != "":
		events, err = l.EventsBySubject(ctx, opts.Subject)
	case opts.Type != "":
		events, err = l.EventsByType(ctx, opts.Type, since)
	default:
		events, err = l.Store().RecentEvents(ctx, opts.Limit)
	}
	if err != nil {
		return out.Fail(ledgerExit("failed to query events", err))
	}
	return out.Success(EventList{Events: events})
}

// addOverrideFlag registers --override on a write command.
func addOverrideFlag(cmd *cobra.Command, token *string) {
	cmd.Flags().StringVar(token, "override", "", "signed override token that waives failed policy checks")
}

// withOverride returns the command context carrying token, if one was given.
func withOverride(cmd *cobra.Command, token string) context.Context {
	ctx := cmd.Context()
	if token == "" {
		return ctx
	}
	return ledger.WithOverride(ctx, token)
}
