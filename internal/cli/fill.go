package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/autosave"
	"github.com/roach88/questflow/internal/questionnaire"
)

// FillOptions holds flags for the fill command.
type FillOptions struct {
	*RootOptions
	Complete bool
	Wait     time.Duration
}

// SyncStatus is the JSON form of an autosave status.
type SyncStatus struct {
	State          string `json:"state"`
	Revision       int64  `json:"revision"`
	SyncedRevision int64  `json:"synced_revision"`
	SessionUUID    string `json:"session_uuid,omitempty"`
	LocalOnly      bool   `json:"local_only,omitempty"`
	Notice         bool   `json:"notice,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// FillResult is the output of fill.
type FillResult struct {
	Source    string         `json:"source"`
	Answers   map[string]any `json:"answers"`
	Path      []string       `json:"path"`
	Completed bool           `json:"completed,omitempty"`
	Sync      SyncStatus     `json:"sync"`
}

// NewFillCommand creates the fill command.
func NewFillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fill <field=value>...",
		Short: "Record answers and autosave them",
		Long: `Record answers in the local draft and sync them to the session service.

Values are parsed as JSON when possible (numbers, booleans, lists) and are
strings otherwise. The command waits for the autosave cycle to settle and
exits 1 when the answers were only saved locally.

Examples:
  questflow fill email=a@b.com problem_to_solve=autre
  questflow fill 'interests=["go","sql"]' --complete`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFill(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Complete, "complete", false, "mark the questionnaire completed")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 0, "how long to wait for autosave (default derived from timeouts)")

	return cmd
}

func runFill(opts *FillOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	values, err := parseAssignments(args)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBadAnswers, "invalid answer", err)
	}

	w, err := openWorkspace(opts.RootOptions, true)
	if err != nil {
		return failLoad(formatter, err)
	}
	defer w.Close()

	run, err := questionnaire.New(questionnaire.Deps{
		Graph:      w.def.Graph,
		Drafts:     w.drafts,
		Client:     w.client,
		Auth:       w.auth(),
		Profiles:   w.client,
		DateFields: w.dateFields(),
		Autosave: []autosave.Option{
			autosave.WithConfig(w.autosaveConfig()),
			autosave.WithJournal(w.store),
		},
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to start questionnaire", err)
	}
	if err := run.Init(ctx); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "failed to start questionnaire", err)
	}
	defer run.Dispose()
	formatter.VerboseLog("Hydrated from %s", run.Source())

	if err := run.Merge(ctx, values); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStorage, "failed to record answers", err)
	}
	if opts.Complete {
		if err := run.Complete(ctx); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStorage, "failed to complete questionnaire", err)
		}
	} else {
		run.Flush()
	}

	wait := opts.Wait
	if wait <= 0 {
		wait = settleBudget(w)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	waitErr := run.WaitSettled(waitCtx)

	path, _ := run.Path()
	result := FillResult{
		Source:    string(run.Source()),
		Answers:   run.Answers(),
		Path:      stepStrings(path),
		Completed: opts.Complete,
		Sync:      syncStatus(run.Status()),
	}

	if err := formatter.Emit(result, func(out io.Writer) {
		fmt.Fprintf(out, "Saved %d answer(s) locally (revision %d)\n", len(values), result.Sync.Revision)
		switch {
		case result.Sync.SyncedRevision >= result.Sync.Revision:
			fmt.Fprintf(out, "✓ Synced to session %s\n", result.Sync.SessionUUID)
		case result.Sync.LocalOnly:
			fmt.Fprintln(out, "✗ No remote session; answers kept locally")
		default:
			fmt.Fprintln(out, "✗ Not saved remotely")
		}
		if result.Sync.LastError != "" {
			fmt.Fprintf(out, "  %s\n", result.Sync.LastError)
		}
	}); err != nil {
		return err
	}

	if waitErr != nil {
		return WrapExitError(ExitFailure, "autosave did not settle", waitErr)
	}
	if result.Sync.SyncedRevision < result.Sync.Revision {
		return NewExitError(ExitFailure, "answers saved locally only")
	}
	return nil
}

// parseAssignments parses field=value arguments. Values that decode as
// JSON keep their JSON type; anything else is a string.
func parseAssignments(args []string) (answer.Set, error) {
	out := answer.New()
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%q: expected field=value", arg)
		}
		out[key] = parseValue(raw)
	}
	return out, nil
}

func parseValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}

// settleBudget bounds the wait for an autosave cycle: the debounce, each
// attempt's HTTP timeout (a cycle may create and push) and the retry delays.
func settleBudget(w *workspace) time.Duration {
	attempts := time.Duration(w.cfg.RetryMaxAttempts + 1)
	budget := w.cfg.Debounce + attempts*2*w.cfg.HTTPTimeout
	delay := w.cfg.RetryInitialInterval
	for range w.cfg.RetryMaxAttempts {
		budget += delay
		delay *= 2
	}
	return budget
}

func syncStatus(s autosave.Status) SyncStatus {
	out := SyncStatus{
		State:          s.State.String(),
		Revision:       s.Revision,
		SyncedRevision: s.SyncedRevision,
		SessionUUID:    string(s.Handle),
		LocalOnly:      s.LocalOnly,
		Notice:         s.Notice,
	}
	if s.LastError != nil {
		out.LastError = s.LastError.Error()
	}
	return out
}
