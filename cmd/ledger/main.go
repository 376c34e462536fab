// Command ledger is the command-line interface to the Cutter Ledger and the
// State Ledger.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/cutterledger/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
