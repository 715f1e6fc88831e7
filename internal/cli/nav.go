package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/stepgraph"
)

// NavOptions holds flags shared by next, prev and path.
type NavOptions struct {
	*RootOptions
	Answers string // JSON object; empty reads the local draft
}

// StepResult is the output of next and prev.
type StepResult struct {
	From     string `json:"from"`
	Step     string `json:"step"`
	Terminal bool   `json:"terminal,omitempty"`
	Start    bool   `json:"start,omitempty"`
}

// PathResult is the output of path.
type PathResult struct {
	Steps []string `json:"steps"`
	Cycle bool     `json:"cycle,omitempty"`
}

// NewNextCommand creates the next command.
func NewNextCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NavOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "next <step>",
		Short: "Resolve the step after <step>",
		Long: `Resolve the step after <step> for the given answers.

Prints $terminal past the last step. Answers default to the local draft.

Examples:
  questflow next problem_to_solve --answers '{"problem_to_solve":"autre"}'
  questflow next email`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(opts, args[0], true, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Answers, "answers", "", "answers as a JSON object (default: local draft)")
	return cmd
}

// NewPrevCommand creates the prev command.
func NewPrevCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NavOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prev <step>",
		Short: "Resolve the step before <step>",
		Long: `Resolve the step whose successor led to <step> for the given answers.

Prints $start before the first step. Answers default to the local draft.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStep(opts, args[0], false, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Answers, "answers", "", "answers as a JSON object (default: local draft)")
	return cmd
}

// NewPathCommand creates the path command.
func NewPathCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NavOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "path",
		Short:         "Print the forward path for the given answers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPath(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Answers, "answers", "", "answers as a JSON object (default: local draft)")
	return cmd
}

// navAnswers returns the --answers object, or the local draft.
func navAnswers(ctx context.Context, opts *NavOptions, w *workspace) (answer.Set, error) {
	if opts.Answers != "" {
		a, err := answer.Decode([]byte(opts.Answers))
		if err != nil {
			return nil, &LoadError{Code: ErrCodeBadAnswers, Message: "--answers must be a JSON object", Err: err}
		}
		return a, nil
	}
	rec, ok, err := w.drafts.Load(ctx)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeStorage, Message: "failed to read local draft", Err: err}
	}
	if !ok {
		return answer.New(), nil
	}
	return rec.Answers, nil
}

func runStep(opts *NavOptions, from string, forward bool, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	w, err := openWorkspace(opts.RootOptions, true)
	if err != nil {
		return failLoad(formatter, err)
	}
	defer w.Close()

	answers, err := navAnswers(cmd.Context(), opts, w)
	if err != nil {
		return failLoad(formatter, err)
	}

	g := w.def.Graph
	var to stepgraph.StepID
	if forward {
		to, err = g.Next(stepgraph.StepID(from), answers)
	} else {
		to, err = g.Previous(stepgraph.StepID(from), answers)
	}
	if errors.Is(err, stepgraph.ErrUnknownStep) {
		return formatter.Fail(ExitCommandError, ErrCodeUnknownStep,
			fmt.Sprintf("step %q is not declared in %s (steps: %s)", from, w.def.Name, strings.Join(stepStrings(g.Steps()), ", ")), nil)
	}
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "resolution failed", err)
	}

	result := StepResult{
		From:     from,
		Step:     string(to),
		Terminal: to == stepgraph.Terminal,
		Start:    to == stepgraph.Start,
	}
	return formatter.Emit(result, func(out io.Writer) {
		fmt.Fprintln(out, result.Step)
	})
}

func runPath(opts *NavOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	w, err := openWorkspace(opts.RootOptions, true)
	if err != nil {
		return failLoad(formatter, err)
	}
	defer w.Close()

	answers, err := navAnswers(cmd.Context(), opts, w)
	if err != nil {
		return failLoad(formatter, err)
	}

	path, err := w.def.Graph.Path(answers)
	result := PathResult{Steps: stepStrings(path), Cycle: errors.Is(err, stepgraph.ErrCycle)}
	if err != nil && !result.Cycle {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "resolution failed", err)
	}

	if emitErr := formatter.Emit(result, func(out io.Writer) {
		for i, id := range result.Steps {
			fmt.Fprintf(out, "%d. %s\n", i+1, id)
		}
	}); emitErr != nil {
		return emitErr
	}
	if result.Cycle {
		return WrapExitError(ExitFailure, "path revisits a step", err)
	}
	return nil
}
