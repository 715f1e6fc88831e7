package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/questflow/internal/draft"
)

// DraftView is the output of draft show.
type DraftView struct {
	Present       bool           `json:"present"`
	Answers       map[string]any `json:"answers,omitempty"`
	UpdatedAt     *time.Time     `json:"updated_at,omitempty"`
	SessionUUID   string         `json:"session_uuid,omitempty"`
	AttachPending bool           `json:"attach_pending"`
	Completed     bool           `json:"completed"`
}

// NewDraftCommand creates the draft command group.
func NewDraftCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Inspect or clear the local draft",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "show",
		Short:         "Print the local draft and its session flags",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDraftShow(rootOpts, cmd)
		},
	})

	var all bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the local draft",
		Long: `Delete the local draft answers.

The session handle and flags are kept so the remote session is reused.
With --all they are removed too and the next edit starts a new session.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDraftClear(rootOpts, all, cmd)
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "also forget the session handle and flags")
	cmd.AddCommand(clearCmd)

	return cmd
}

func runDraftShow(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	w, err := openWorkspace(opts, false)
	if err != nil {
		return failLoad(formatter, err)
	}
	defer w.Close()

	var view DraftView
	rec, ok, err := w.drafts.Load(ctx)
	if err == nil && ok {
		view.Present = true
		view.Answers = rec.Answers
		at := rec.UpdatedAt
		view.UpdatedAt = &at
	}
	if err == nil {
		var h draft.Handle
		h, ok, err = w.drafts.SessionHandle(ctx)
		if err == nil && ok {
			view.SessionUUID = h.String()
		}
	}
	if err == nil {
		view.AttachPending, err = w.drafts.AttachPending(ctx)
	}
	if err == nil {
		view.Completed, err = w.drafts.Completed(ctx)
	}
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStorage, "failed to read local draft", err)
	}

	return formatter.Emit(view, func(out io.Writer) {
		if !view.Present {
			fmt.Fprintln(out, "No local draft.")
		} else {
			fmt.Fprintf(out, "Draft updated %s\n", view.UpdatedAt.Format(time.RFC3339))
			keys := make([]string, 0, len(view.Answers))
			for k := range view.Answers {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s = %v\n", k, view.Answers[k])
			}
		}
		if view.SessionUUID != "" {
			fmt.Fprintf(out, "Session: %s\n", view.SessionUUID)
		}
		fmt.Fprintf(out, "Attach pending: %t\n", view.AttachPending)
		fmt.Fprintf(out, "Completed: %t\n", view.Completed)
	})
}

func runDraftClear(opts *RootOptions, all bool, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := cmd.Context()

	w, err := openWorkspace(opts, false)
	if err != nil {
		return failLoad(formatter, err)
	}
	defer w.Close()

	err = w.drafts.Clear(ctx)
	if err == nil && all {
		err = w.drafts.ClearSessionHandle(ctx)
		if err == nil {
			err = w.drafts.SetAttachPending(ctx, false)
		}
		if err == nil {
			err = w.drafts.SetCompleted(ctx, false)
		}
	}
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStorage, "failed to clear local draft", err)
	}

	return formatter.Emit(map[string]any{"cleared": true, "all": all}, func(out io.Writer) {
		fmt.Fprintln(out, "✓ Local draft cleared")
	})
}
