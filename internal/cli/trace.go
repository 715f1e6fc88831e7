package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Session string
	Limit   int
}

// TraceEntry is one journaled autosave cycle.
type TraceEntry struct {
	Seq         int64     `json:"seq"`
	SessionUUID string    `json:"session_uuid,omitempty"`
	Revision    int64     `json:"revision"`
	ContentHash string    `json:"content_hash,omitempty"`
	Outcome     string    `json:"outcome"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Entries []TraceEntry `json:"entries"`
	Stats   TraceStats   `json:"stats"`
}

// TraceStats counts journal entries by outcome.
type TraceStats struct {
	Total    int            `json:"total"`
	Outcomes map[string]int `json:"outcomes"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the autosave journal",
		Long: `Show journaled autosave cycles from the local database, oldest first.

Each cycle records the revision, content hash and outcome: pushed,
skipped, network_error, rejected or storage_error.

Examples:
  questflow trace
  questflow trace --session 0190a8e2-... --limit 20
  questflow trace --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "only cycles for this session uuid")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "most recent entries to show (0 for all)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	w, err := openWorkspace(opts.RootOptions, false)
	if err != nil {
		return failLoad(formatter, err)
	}
	defer w.Close()

	entries, err := w.store.ReadSyncLog(cmd.Context(), opts.Session, opts.Limit)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStorage, "failed to read journal", err)
	}

	result := TraceResult{
		Entries: make([]TraceEntry, len(entries)),
		Stats:   TraceStats{Total: len(entries), Outcomes: map[string]int{}},
	}
	for i, e := range entries {
		result.Entries[i] = TraceEntry(e)
		result.Stats.Outcomes[e.Outcome]++
	}

	return formatter.Emit(result, func(out io.Writer) {
		if len(result.Entries) == 0 {
			fmt.Fprintln(out, "No autosave cycles recorded.")
			return
		}
		for _, e := range result.Entries {
			fmt.Fprintf(out, "[%d] %s rev=%d %s", e.Seq, e.At.Format(time.RFC3339), e.Revision, e.Outcome)
			if e.SessionUUID != "" {
				fmt.Fprintf(out, " session=%s", e.SessionUUID)
			}
			if e.Detail != "" {
				fmt.Fprintf(out, " (%s)", e.Detail)
			}
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "\n%d cycle(s)\n", result.Stats.Total)
	})
}
