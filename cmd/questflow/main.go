// Command questflow drives branching questionnaires with autosave.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/roach88/questflow/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		// Commands report their own errors; cobra usage errors are not.
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			cmd.PrintErrln("Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
