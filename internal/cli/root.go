package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/questflow/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose   bool
	Format    string // "json" | "text"
	ConfigDir string

	viper *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// configFlags maps persistent flags onto config keys. A flag set on the
// command line overrides the environment and questflow.yaml.
var configFlags = []struct {
	flag, key, usage string
}{
	{"server-url", config.KeyServerURL, "session service base URL"},
	{"db", config.KeyDBPath, "local SQLite database"},
	{"questionnaire", config.KeyQuestionnaire, "questionnaire CUE file or directory"},
	{"questionnaire-name", config.KeyQuestionnaireName, "questionnaire to use when several are defined"},
	{"token", config.KeyToken, "bearer token; set when logged in"},
}

// NewRootCommand creates the root command for the questflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{viper: config.New()}

	cmd := &cobra.Command{
		Use:   "questflow",
		Short: "questflow - branching questionnaires with autosave",
		Long: `Drive branching questionnaires from the command line.

Answers are kept in a local draft and autosaved to a session service.
Anonymous sessions are attached to the account on login.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			configureLogging(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.ConfigDir, "config-dir", "", "configuration directory (default $QUESTFLOW_CONFIG_DIR or the user config dir)")
	for _, f := range configFlags {
		pf.String(f.flag, "", f.usage)
		_ = opts.viper.BindPFlag(f.key, pf.Lookup(f.flag))
	}

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewNextCommand(opts))
	cmd.AddCommand(NewPrevCommand(opts))
	cmd.AddCommand(NewPathCommand(opts))
	cmd.AddCommand(NewFillCommand(opts))
	cmd.AddCommand(NewDraftCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewHydrateCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// Config resolves the config directory and reads questflow.yaml, applying
// environment and flag overrides.
func (o *RootOptions) Config() (*config.Config, error) {
	dir, err := config.ResolveDir(o.ConfigDir)
	if err != nil {
		return nil, err
	}
	if o.viper == nil {
		o.viper = config.New()
	}
	return config.Read(o.viper, dir)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}

func configureLogging(w io.Writer, verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
