package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/config"
	"github.com/roach88/cutterledger/internal/ledger"
	"github.com/roach88/cutterledger/internal/policy"
	"github.com/roach88/cutterledger/internal/store"
	"github.com/roach88/cutterledger/internal/telemetry"
)

// RootOptions holds global flags for all commands, plus the configuration
// and logger resolved from them before any subcommand runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	DBPath     string

	Config *config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ledger CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Cutter Ledger and State Ledger",
		Long: `An append-only record of operational events, entity ownership and
declared state. Views such as unowned, deferred and continuity streaks are
recomputed from the record on every read.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.resolve(cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default: ./config.yaml if present)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the ledger database (default: db_path from config)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewEntityCommand(opts))
	cmd.AddCommand(NewOwnerCommand(opts))
	cmd.AddCommand(NewDeclareCommand(opts))
	cmd.AddCommand(NewDeclarationsCommand(opts))
	cmd.AddCommand(NewViewsCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewBootstrapCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewOverrideCommand(opts))
	cmd.AddCommand(NewAdminCommand(opts))

	return cmd
}

// resolve loads configuration with --db taking precedence over the file
// and environment, then builds the logger.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	v, err := config.New(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if f := cmd.Flags().Lookup("db"); f != nil {
		if err := v.BindPFlag(config.KeyDBPath, f); err != nil {
			return WrapExitError(ExitCommandError, "failed to bind --db", err)
		}
	}
	if o.Verbose {
		v.Set(config.KeyLogLevel, "debug")
	}

	cfg, err := config.Decode(v)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	level, err := cfg.Level()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	o.Config = cfg
	o.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// formatter returns the OutputFormatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// tokens returns the override token service, or nil when no signing key is
// configured.
func (o *RootOptions) tokens() (*policy.TokenService, error) {
	if o.Config.Override.SigningKey == "" {
		return nil, nil
	}
	return policy.NewTokenService(o.Config.Override.SigningKey, o.Config.Override.Issuer,
		policy.WithMaxTTL(o.Config.Override.MaxTTL))
}

// openLedger opens the configured database for writing, creating and
// migrating it as needed. The caller closes the store.
func (o *RootOptions) openLedger() (*ledger.Ledger, *ExitError) {
	s, err := store.Open(o.Config.DBPath, store.WithLogger(o.Logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return o.wrap(s)
}

// openReader opens an existing database read-only. It never creates a file.
func (o *RootOptions) openReader() (*ledger.Ledger, *ExitError) {
	s, err := store.OpenReadOnly(o.Config.DBPath, store.WithLogger(o.Logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return o.wrap(s)
}

func (o *RootOptions) wrap(s *store.Store) (*ledger.Ledger, *ExitError) {
	tokens, err := o.tokens()
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "invalid override config", err)
	}
	return ledger.New(s,
		ledger.WithPolicy(o.Config.Policy),
		ledger.WithTokens(tokens),
		ledger.WithMetrics(telemetry.NewMetrics(prometheus.NewRegistry())),
		ledger.WithLogger(o.Logger),
		ledger.WithProvenance(o.Config.ServiceName, o.Config.ServiceVersion),
		ledger.WithStageExpectations(o.Config.StageExpectations),
	), nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
