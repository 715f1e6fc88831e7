package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/questflow/internal/attach"
)

// LoginResult is the output of login.
type LoginResult struct {
	Result      string `json:"result"`
	SessionUUID string `json:"session_uuid,omitempty"`
	Error       string `json:"error,omitempty"`
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Attach the anonymous session to the logged-in account",
		Long: `Run the attach protocol after a login or registration.

Requires a token (--token, QUESTFLOW_TOKEN or token in questflow.yaml).
If answers were autosaved anonymously, the remote session is bound to the
account. Running it again is a no-op. A failed attach keeps the pending
flag so the next login retries.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(rootOpts, cmd)
		},
	}
	return cmd
}

func runLogin(opts *RootOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	w, err := openWorkspace(opts, false)
	if err != nil {
		return failLoad(formatter, err)
	}
	defer w.Close()

	if w.cfg.Token == "" {
		return formatter.Fail(ExitCommandError, ErrCodeNoCredential, "login requires a token", nil)
	}

	outcome := attach.New(w.drafts, w.client).OnAuthenticated(cmd.Context())
	result := LoginResult{Result: outcome.Result.String(), SessionUUID: string(outcome.Handle)}
	if outcome.Err != nil {
		result.Error = outcome.Err.Error()
	}

	if outcome.Result == attach.Failed {
		return formatter.Fail(ExitFailure, ErrCodeRemote, "attach failed; will retry on next login", outcome.Err)
	}

	return formatter.Emit(result, func(out io.Writer) {
		switch outcome.Result {
		case attach.Attached, attach.AlreadyAttached:
			fmt.Fprintf(out, "✓ Session %s attached to your account\n", result.SessionUUID)
		default:
			fmt.Fprintln(out, "Nothing to attach.")
		}
	})
}
