package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/questflow/internal/hydrate"
)

// HydrateResult is the output of hydrate.
type HydrateResult struct {
	Source  string         `json:"source"`
	Answers map[string]any `json:"answers"`
	First   string         `json:"first_step,omitempty"`
}

// NewHydrateCommand creates the hydrate command.
func NewHydrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Show the answers a new run would start from",
		Long: `Resolve the starting answers for a new questionnaire run.

A completed profile wins for logged-in users, then the local draft unless
the questionnaire was completed, then nothing. Date fields declared by the
questionnaire are normalised to YYYY-MM-DD.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHydrate(rootOpts, cmd)
		},
	}
	return cmd
}

func runHydrate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	w, err := openWorkspace(opts, false)
	if err != nil {
		return failLoad(formatter, err)
	}
	defer w.Close()

	res, err := hydrate.New(w.drafts, w.auth(), w.client, hydrate.WithDateFields(w.dateFields()...)).Resolve(cmd.Context())
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "hydration failed", err)
	}

	result := HydrateResult{Source: string(res.Source), Answers: res.Answers}
	if w.def != nil {
		result.First = string(w.def.Graph.First(res.Answers))
	}

	return formatter.Emit(result, func(out io.Writer) {
		fmt.Fprintf(out, "Source: %s\n", result.Source)
		keys := make([]string, 0, len(result.Answers))
		for k := range result.Answers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  %s = %v\n", k, result.Answers[k])
		}
		if result.First != "" {
			fmt.Fprintf(out, "First step: %s\n", result.First)
		}
	})
}
