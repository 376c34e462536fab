package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cutterledger/internal/store"
)

// MigrateResult is the schema state after migrate.
type MigrateResult struct {
	Path          string                  `json:"path"`
	SchemaVersion int                     `json:"schema_version"`
	Migrations    []store.MigrationRecord `json:"migrations"`
}

func (r MigrateResult) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "%s: schema version %d\n", r.Path, r.SchemaVersion)
	for _, m := range r.Migrations {
		fmt.Fprintf(w, "  %03d %-28s %s rows=%d\n", m.Version, m.Name, m.AppliedAt.Format(time.RFC3339), m.RowsAffected)
		if verbose && m.Note != "" {
			fmt.Fprintf(w, "      %s\n", m.Note)
		}
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the ledger database",
		Long: `Create the database if it does not exist and apply every pending
migration in order. Each migration is recorded in the migration audit log
with the number of rows it touched. Running migrate again is a no-op.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	l, exitErr := opts.openLedger()
	if exitErr != nil {
		return out.Fail(exitErr)
	}
	defer l.Store().Close()

	ctx := cmd.Context()
	version, err := l.Store().SchemaVersion(ctx)
	if err != nil {
		return out.Fail(ledgerExit("failed to read schema version", err))
	}
	records, err := l.Store().Migrations(ctx)
	if err != nil {
		return out.Fail(ledgerExit("failed to read migration log", err))
	}

	return out.Success(MigrateResult{
		Path:          opts.Config.DBPath,
		SchemaVersion: version,
		Migrations:    records,
	})
}
