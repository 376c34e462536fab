package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/policy"
)

// NewOverrideCommand creates the override command group.
func NewOverrideCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Issue signed, time-boxed override tokens",
	}
	cmd.AddCommand(newOverrideIssueCommand(rootOpts))
	return cmd
}

// OverrideIssueOptions holds flags for override issue.
type OverrideIssueOptions struct {
	*RootOptions
	Scope  string
	Reason string
	By     string
	TTL    time.Duration
}

// IssuedOverride is a newly signed token and its claims.
type IssuedOverride struct {
	Token    string           `json:"token"`
	Override *policy.Override `json:"override"`
}

func (r IssuedOverride) renderText(w io.Writer, verbose bool) {
	fmt.Fprintln(w, r.Token)
	if verbose {
		o := r.Override
		fmt.Fprintf(w, "id=%s scope=%s created_by=%s expires=%s\n", o.ID, o.Scope, o.CreatedBy, o.ExpiresAt.Format(time.RFC3339))
	}
}

func newOverrideIssueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OverrideIssueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign an override token",
		Long: `Sign an override token with the configured override.signing_key.

The scope names the policy check to waive (vocabulary, ref_format,
state_text, owner_only), admin for admin exec, or * for all of them.
A reason is required and the lifetime is capped at 4h. Each use of the
token is recorded in the ledger as a ledger_policy_override_used event.

Example:
  ledger override issue --scope vocabulary --reason "legacy import" --by org:acme/actor:ops --ttl 30m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverrideIssue(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Scope, "scope", "", "check or operation the token waives (required)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the override is needed (required)")
	cmd.Flags().StringVar(&opts.By, "by", "", "actor issuing the override (required)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	for _, name := range []string{"scope", "reason", "by"} {
		cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runOverrideIssue(opts *OverrideIssueOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	tokens, err := opts.tokens()
	if err != nil {
		return out.Fail(WrapExitError(ExitCommandError, "invalid override config", err))
	}
	if tokens == nil {
		return out.Fail(NewExitError(ExitCommandError, "override.signing_key is not configured"))
	}

	token, o, err := tokens.Issue(policy.Scope(opts.Scope), opts.Reason, opts.By, opts.TTL)
	if err != nil {
		return out.Fail(WrapExitError(ExitFailure, "override not issued", err))
	}
	opts.Logger.Info("override issued", "jti", o.ID, "scope", o.Scope, "created_by", o.CreatedBy, "expires_at", o.ExpiresAt)
	return out.Success(IssuedOverride{Token: token, Override: o})
}
