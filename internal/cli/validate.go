package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/compiler"
	"github.com/roach88/questflow/internal/stepgraph"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid          bool                    `json:"valid"`
	Questionnaires []QuestionnaireSummary  `json:"questionnaires,omitempty"`
	Errors         []ValidationError       `json:"errors,omitempty"`
	Warnings       []compiler.CycleWarning `json:"warnings,omitempty"`
}

// QuestionnaireSummary describes one compiled questionnaire.
type QuestionnaireSummary struct {
	Name        string   `json:"name"`
	Steps       int      `json:"steps"`
	Rules       int      `json:"rules"`
	DateFields  []string `json:"date_fields,omitempty"`
	DefaultPath []string `json:"default_path"`
}

// ValidationError is one problem found in a questionnaire source.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [questionnaire]",
		Short: "Validate questionnaire definitions",
		Long: `Compile CUE questionnaire definitions and report problems.

Checks syntax, step and rule structure, and that the default path with no
answers terminates. Without an argument the configured questionnaire is
validated.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if path == "" {
		cfg, err := opts.Config()
		if err != nil {
			return failLoad(formatter, &LoadError{Code: ErrCodeConfig, Message: "invalid configuration", Err: err})
		}
		path = cfg.Questionnaire
	}
	if path == "" {
		return failLoad(formatter, &LoadError{Code: ErrCodeConfig, Message: "no questionnaire given or configured"})
	}

	formatter.VerboseLog("Compiling %s", path)
	defs, err := compiler.Load(path)
	if err != nil {
		result := ValidationResult{Errors: []ValidationError{toValidationError(err)}}
		return outputValidate(formatter, result)
	}

	result := ValidationResult{Valid: true}
	for _, def := range defs {
		summary, verr := summarize(def)
		result.Questionnaires = append(result.Questionnaires, summary)
		result.Warnings = append(result.Warnings, compiler.AnalyzeCycles(def)...)
		if verr != nil {
			result.Valid = false
			result.Errors = append(result.Errors, *verr)
		}
	}
	return outputValidate(formatter, result)
}

// summarize describes def and checks that its default path terminates.
func summarize(def *compiler.Questionnaire) (QuestionnaireSummary, *ValidationError) {
	g := def.Graph
	s := QuestionnaireSummary{Name: def.Name, DateFields: def.DateFields}
	for _, id := range g.Steps() {
		s.Steps++
		s.Rules += len(g.Rules(id))
	}

	path, err := g.Path(answer.New())
	s.DefaultPath = stepStrings(path)
	if errors.Is(err, stepgraph.ErrCycle) {
		return s, &ValidationError{Code: ErrCodeCycle, Message: fmt.Sprintf("%s: %v", def.Name, err)}
	}
	return s, nil
}

func toValidationError(err error) ValidationError {
	ve := ValidationError{Code: ErrCodeCompile, Message: err.Error()}
	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		ve.Message = ce.Message
		if ce.Field != "" {
			ve.Message = ce.Field + ": " + ce.Message
		}
		if ce.Pos.IsValid() {
			ve.File = ce.Pos.Filename()
			ve.Line = ce.Pos.Line()
			ve.Column = ce.Pos.Column()
		}
	}
	return ve
}

func outputValidate(f *OutputFormatter, result ValidationResult) error {
	if f.Format == "json" {
		if result.Valid {
			return f.Success(result)
		}
		if err := f.Error(ErrCodeCompile, "validation failed", result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "validation failed")
	}

	w := f.Writer
	for _, q := range result.Questionnaires {
		fmt.Fprintf(w, "%s: %d steps, %d rules\n", q.Name, q.Steps, q.Rules)
		f.VerboseLog("  default path: %v", q.DefaultPath)
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "⚠ %s: %s\n", warn.Questionnaire, warn.Message)
	}
	if result.Valid {
		fmt.Fprintln(w, "✓ Validation passed")
		return nil
	}
	printValidationErrors(w, result.Errors)
	return NewExitError(ExitFailure, "validation failed")
}

func printValidationErrors(w io.Writer, errs []ValidationError) {
	fmt.Fprintf(w, "✗ Validation failed (%d error(s))\n", len(errs))
	for _, e := range errs {
		if e.File != "" {
			fmt.Fprintf(w, "  %s:%d:%d: [%s] %s\n", e.File, e.Line, e.Column, e.Code, e.Message)
			continue
		}
		fmt.Fprintf(w, "  [%s] %s\n", e.Code, e.Message)
	}
}

func stepStrings(ids []stepgraph.StepID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
